package worker

import "errors"

// Ошибки воркера.
var (
	// ErrRunNotPending — run уже выполняется, завершён или захвачен другим worker'ом.
	ErrRunNotPending = errors.New("run is not pending")

	// ErrUnknownPipeline — pipeline из запроса нет в каталоге.
	ErrUnknownPipeline = errors.New("unknown pipeline")

	// ErrEmptyPipeline — в run.requested не указан pipeline.
	ErrEmptyPipeline = errors.New("run request without pipeline")
)
