// Package errs holds the error types returned by galvatron. Callers match them with errors.As.
package errs

import (
	"fmt"
)

// InvalidRequestShapeError is returned when a request is not shaped like a modality mapping,
// or one of its values or arguments cannot be interpreted.
type InvalidRequestShapeError struct {
	Reason string
}

func (e *InvalidRequestShapeError) Error() string {
	return fmt.Sprintf("invalid request shape: %s", e.Reason)
}

// UnknownModalityError names a modality key outside the closed set.
type UnknownModalityError struct {
	Key string
}

func (e *UnknownModalityError) Error() string {
	return fmt.Sprintf("invalid modality: %q", e.Key)
}

// UnsupportedModalityError is returned when no transform or encoder is registered for a modality.
type UnsupportedModalityError struct {
	Modality string
}

func (e *UnsupportedModalityError) Error() string {
	return fmt.Sprintf("modality %s is not supported by the loaded embedder", e.Modality)
}

// ResourceNotFoundError is returned when a modality reference cannot be read.
type ResourceNotFoundError struct {
	Modality  string
	Reference string
	Cause     error
}

func (e *ResourceNotFoundError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s input %q could not be read: %s", e.Modality, e.Reference, e.Cause)
	}
	return fmt.Sprintf("%s input %q could not be read", e.Modality, e.Reference)
}

func (e *ResourceNotFoundError) Unwrap() error { return e.Cause }

// TransformError is returned when a readable reference cannot be decoded into a tensor.
type TransformError struct {
	Modality  string
	Reference string
	Cause     error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("failed to transform %s input %q: %s", e.Modality, e.Reference, e.Cause)
}

func (e *TransformError) Unwrap() error { return e.Cause }

// EmptyBatchError is returned when a request carries no modality inputs.
type EmptyBatchError struct{}

func (e *EmptyBatchError) Error() string {
	return "no modality inputs were provided"
}

// EmbeddingBackendError wraps a failure of the embedding backend.
type EmbeddingBackendError struct {
	Cause error
}

func (e *EmbeddingBackendError) Error() string {
	return fmt.Sprintf("embedding backend failed: %s", e.Cause)
}

func (e *EmbeddingBackendError) Unwrap() error { return e.Cause }

// GenerationError wraps a failure of the generation backend or of decoding its output.
type GenerationError struct {
	Cause error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %s", e.Cause)
}

func (e *GenerationError) Unwrap() error { return e.Cause }

// ModelLoadError is returned when a model cannot be resolved, fetched or loaded.
type ModelLoadError struct {
	Model string
	Cause error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("failed to load model %s: %s", e.Model, e.Cause)
}

func (e *ModelLoadError) Unwrap() error { return e.Cause }

// UnsupportedOutputKindError is returned for recognised output kinds that are not implemented.
type UnsupportedOutputKindError struct {
	OutputKind string
}

func (e *UnsupportedOutputKindError) Error() string {
	return fmt.Sprintf("%s output is not yet implemented", e.OutputKind)
}

// InvalidOutputKindError is returned for output kinds that are not recognised.
type InvalidOutputKindError struct {
	OutputKind string
}

func (e *InvalidOutputKindError) Error() string {
	return fmt.Sprintf("output type not recognized: %q", e.OutputKind)
}

// Kind returns the name of the outermost galvatron error in err's tree, or "Error" if there is none.
// Joined errors are searched in order, depth first.
func Kind(err error) string {
	if err == nil {
		return "Error"
	}
	if name := kindOf(err); name != "" {
		return name
	}
	switch x := err.(type) {
	case interface{ Unwrap() error }:
		return Kind(x.Unwrap())
	case interface{ Unwrap() []error }:
		for _, e := range x.Unwrap() {
			if name := Kind(e); name != "Error" {
				return name
			}
		}
	}
	return "Error"
}

func kindOf(err error) string {
	switch err.(type) {
	case *InvalidRequestShapeError:
		return "InvalidRequestShape"
	case *UnknownModalityError:
		return "UnknownModalityError"
	case *UnsupportedModalityError:
		return "UnsupportedModalityError"
	case *ResourceNotFoundError:
		return "ResourceNotFoundError"
	case *TransformError:
		return "TransformError"
	case *EmptyBatchError:
		return "EmptyBatchError"
	case *EmbeddingBackendError:
		return "EmbeddingBackendError"
	case *GenerationError:
		return "GenerationError"
	case *ModelLoadError:
		return "ModelLoadError"
	case *UnsupportedOutputKindError:
		return "UnsupportedOutputKindError"
	case *InvalidOutputKindError:
		return "InvalidOutputKindError"
	}
	return ""
}
