package cli

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shaiso/Promptflow/internal/capability"
	"github.com/shaiso/Promptflow/internal/engine"
	"github.com/shaiso/Promptflow/internal/pipeline"
	"github.com/shaiso/Promptflow/internal/steps"
)

// NewListCmd создаёт команду list.
func NewListCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List catalog pipelines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := env.Catalog(steps.SingleRegistry(capability.Echo{}))
			if err != nil {
				return err
			}

			type item struct {
				Name        string   `json:"name"`
				Description string   `json:"description"`
				Inputs      []string `json:"inputs"`
				Steps       int      `json:"steps"`
			}

			var items []item
			rows := make([][]string, 0, len(cat.Names()))
			for _, name := range cat.Names() {
				p, err := cat.Pipeline(name)
				if err != nil {
					return err
				}
				it := item{Name: name, Description: p.Description(), Inputs: p.Inputs(), Steps: len(p.Steps())}
				items = append(items, it)
				rows = append(rows, []string{it.Name, strconv.Itoa(it.Steps), strings.Join(it.Inputs, ","), it.Description})
			}

			env.Output().Print([]string{"NAME", "STEPS", "INPUTS", "DESCRIPTION"}, rows, items)
			return nil
		},
	}
}

// NewValidateCmd создаёт команду validate.
func NewValidateCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [FILE...]",
		Short: "Validate pipeline spec files (or the whole catalog)",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := env.Output()
			reg, err := env.Registry("", false)
			if err != nil {
				return err
			}

			if len(args) == 0 {
				cat, err := env.Catalog(reg)
				if err != nil {
					return err
				}
				for _, name := range cat.Names() {
					if _, err := cat.Pipeline(name); err != nil {
						return err
					}
					out.Success(fmt.Sprintf("%s: ok", name))
				}
				return nil
			}

			var failed int
			for _, file := range args {
				p, err := resolvePipeline(env, reg, "", file)
				if err != nil {
					out.Error(err.Error())
					failed++
					continue
				}
				out.Success(fmt.Sprintf("%s: ok (%d steps, inputs: %s)", file, len(p.Steps()), strings.Join(p.Inputs(), ",")))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d specs invalid", failed, len(args))
			}
			return nil
		},
	}
}

// NewGraphCmd создаёт команду graph.
func NewGraphCmd(env *Env) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "graph [PIPELINE]",
		Short: "Print the step dependency graph",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			if name == "" && file == "" {
				return fmt.Errorf("pipeline name or --file is required")
			}
			p, err := resolvePipeline(env, steps.SingleRegistry(capability.Echo{}), name, file)
			if err != nil {
				return err
			}

			out := env.Output()
			if out.JSONMode() {
				out.JSON(graphView(p))
				return nil
			}
			var sb strings.Builder
			RenderGraph(&sb, p)
			out.Text(sb.String())
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Pipeline spec file (YAML or JSON)")
	return cmd
}

// RenderGraph печатает шаги pipeline по уровням DAG.
// Шаги одного уровня независимы и выполняются параллельно.
//
//	study-material (4 steps)
//	inputs: topic
//
//	level 0
//	  explain   prompt  topic          -> content
//	level 1
//	  notes     prompt  content        -> notes
//	  quiz      prompt  content        -> quiz
func RenderGraph(w io.Writer, p *pipeline.Pipeline) {
	fmt.Fprintf(w, "%s (%d steps)\n", p.Name(), len(p.Steps()))
	if inputs := p.Inputs(); len(inputs) > 0 {
		fmt.Fprintf(w, "inputs: %s\n", strings.Join(inputs, ", "))
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for i, level := range p.DAG().Levels() {
		fmt.Fprintf(tw, "level %d\n", i)
		for _, node := range level {
			kind := ""
			if s, ok := p.Step(node.ID); ok {
				kind = s.Kind()
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t-> %s\n", node.ID, kind, sourceList(node), node.Output)
		}
	}
	tw.Flush()

	if leaves := p.LeafOutputs(); len(leaves) > 0 {
		fmt.Fprintf(w, "\nresult: %s\n", strings.Join(leaves, ", "))
	}
}

func sourceList(node *engine.Node) string {
	if len(node.Sources) == 0 {
		return "-"
	}
	src := slices.Clone(node.Sources)
	slices.Sort(src)
	return strings.Join(src, ",")
}

type graphNode struct {
	ID      string   `json:"id"`
	Kind    string   `json:"kind"`
	Output  string   `json:"output"`
	Sources []string `json:"sources"`
	Level   int      `json:"level"`
}

type graphJSON struct {
	Name    string      `json:"name"`
	Inputs  []string    `json:"inputs"`
	Steps   []graphNode `json:"steps"`
	Results []string    `json:"results"`
}

func graphView(p *pipeline.Pipeline) graphJSON {
	g := graphJSON{Name: p.Name(), Inputs: p.Inputs(), Results: p.LeafOutputs()}
	for i, level := range p.DAG().Levels() {
		for _, node := range level {
			n := graphNode{ID: node.ID, Output: node.Output, Sources: node.Sources, Level: i}
			if s, ok := p.Step(node.ID); ok {
				n.Kind = s.Kind()
			}
			g.Steps = append(g.Steps, n)
		}
	}
	return g
}
