// Package openapi indexes the operations of the backend services' OpenAPI
// documents by service and operationId, and checks request bodies against
// their JSON schemas before anything is sent.
package openapi

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

// SpecSource names one service's document. An empty BaseURL falls back to
// the document's first server.
type SpecSource struct {
	ServiceID string
	BaseURL   string
	SpecPath  string
}

// IndexedOperation is an operation resolved against its service. Parameters
// merges path-level and operation-level declarations.
type IndexedOperation struct {
	ServiceID    string
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
	Responses    *openapi3.Responses
	BaseURL      string
}

// ValidationError is one schema violation. Field is the dotted path of the
// offending member, empty for problems with the body as a whole.
type ValidationError struct {
	Field   string
	Message string
}

// Index holds the operations of every loaded service. Loads may run while
// it is being read.
type Index struct {
	mu       sync.RWMutex
	services map[string]map[string]IndexedOperation
}

func NewIndex() *Index {
	return &Index{services: map[string]map[string]IndexedOperation{}}
}

func newLoader() *openapi3.Loader {
	l := openapi3.NewLoader()
	l.IsExternalRefsAllowed = false
	return l
}

// Load reads every source from disk. It stops at the first document that
// fails to parse or validate.
func (idx *Index) Load(specs []SpecSource) error {
	loader := newLoader()
	for _, src := range specs {
		doc, err := loader.LoadFromFile(src.SpecPath)
		if err != nil {
			return fmt.Errorf("openapi: %s: load %s: %w", src.ServiceID, src.SpecPath, err)
		}
		if err := idx.add(src.ServiceID, src.BaseURL, doc); err != nil {
			return err
		}
	}
	return nil
}

// LoadData indexes a document held in memory.
func (idx *Index) LoadData(serviceID, baseURL string, data []byte) error {
	doc, err := newLoader().LoadFromData(data)
	if err != nil {
		return fmt.Errorf("openapi: %s: load: %w", serviceID, err)
	}
	return idx.add(serviceID, baseURL, doc)
}

func (idx *Index) add(serviceID, baseURL string, doc *openapi3.T) error {
	if err := doc.Validate(context.Background()); err != nil {
		return fmt.Errorf("openapi: %s: invalid document: %w", serviceID, err)
	}
	if baseURL == "" && len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}

	ops := map[string]IndexedOperation{}
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				continue
			}
			indexed := IndexedOperation{
				ServiceID:    serviceID,
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				Parameters:   mergeParameters(item.Parameters, op.Parameters),
				Responses:    op.Responses,
				BaseURL:      baseURL,
			}
			if op.RequestBody != nil {
				indexed.RequestBody = op.RequestBody.Value
			}
			ops[op.OperationID] = indexed
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if existing, ok := idx.services[serviceID]; ok {
		for id, op := range ops {
			existing[id] = op
		}
		return nil
	}
	idx.services[serviceID] = ops
	return nil
}

func mergeParameters(groups ...openapi3.Parameters) []*openapi3.Parameter {
	var out []*openapi3.Parameter
	for _, group := range groups {
		for _, ref := range group {
			if ref != nil && ref.Value != nil {
				out = append(out, ref.Value)
			}
		}
	}
	return out
}

func (idx *Index) GetOperation(serviceID, operationID string) (IndexedOperation, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	op, ok := idx.services[serviceID][operationID]
	return op, ok
}

// AllOperationIDs lists the service's operation IDs in sorted order.
func (idx *Index) AllOperationIDs(serviceID string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	ids := make([]string, 0, len(idx.services[serviceID]))
	for id := range idx.services[serviceID] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Loaded reports whether any operation is indexed. Readiness depends on it.
func (idx *Index) Loaded() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for _, ops := range idx.services {
		if len(ops) > 0 {
			return true
		}
	}
	return false
}

// ValidateRequest checks a decoded JSON body against the operation's
// application/json request schema. A nil result means the body is
// acceptable, including when the operation declares no schema.
func (idx *Index) ValidateRequest(serviceID, operationID string, body any) []ValidationError {
	op, ok := idx.GetOperation(serviceID, operationID)
	switch {
	case !ok:
		return []ValidationError{{Message: fmt.Sprintf("operation %s/%s not found", serviceID, operationID)}}
	case op.RequestBody == nil:
		return nil
	case body == nil && op.RequestBody.Required:
		return []ValidationError{{Message: "request body is required"}}
	case body == nil:
		return nil
	}

	media := op.RequestBody.Content.Get("application/json")
	if media == nil || media.Schema == nil || media.Schema.Value == nil {
		return nil
	}
	err := media.Schema.Value.VisitJSON(body, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	return flattenSchemaError(err, nil)
}

// flattenSchemaError walks nested multi-errors, one entry per leaf.
func flattenSchemaError(err error, out []ValidationError) []ValidationError {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		for _, e := range multi {
			out = flattenSchemaError(e, out)
		}
		return out
	}
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		return append(out, ValidationError{Field: strings.Join(se.JSONPointer(), "."), Message: se.Reason})
	}
	return append(out, ValidationError{Message: err.Error()})
}
