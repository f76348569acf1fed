// Package report экспортирует outputs run в PDF (codeberg.org/go-pdf/fpdf).
//
//	f, _ := os.Create("study.pdf")
//	defer f.Close()
//	err := report.WritePDF(f, "study-material", res.Outputs, res.Order)
package report
