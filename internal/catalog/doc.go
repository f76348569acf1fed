// Package catalog хранит именованные pipeline.
//
// Встроенные спецификации (pipelines/*.yaml) вшиты в бинарь через embed:
//
//   - study-material  — объяснение темы, конспект и квиз, итоговые тезисы
//   - joke-explainer  — шутка и её объяснение
//   - math-problem    — решение задачи для заданного класса
//   - summary         — краткое изложение текста
//   - blog-post       — пост и prompt для обложки
//   - quiz            — структурированный квиз (схема Quiz)
//   - device-report   — отчёт о медицинском устройстве (схема MedicalDeviceReport)
//
// Спецификации из каталога на диске (LoadDir) заменяют встроенные с тем же
// именем. Каталог хранит только спецификации; Pipeline собирается при
// каждом запросе через pipeline.Load.
package catalog
