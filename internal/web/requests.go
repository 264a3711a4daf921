package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/JonMunkholm/ucshadow/internal/core"
)

// maxJSONBody bounds non-snapshot request bodies.
const maxJSONBody = 1 << 20

// overrideRequest creates an override.
type overrideRequest struct {
	Key           core.NaturalKey `json:"key"`
	Attribute     string          `json:"attribute" validate:"required,max=128"`
	Value         any             `json:"value"`
	EffectiveFrom core.Date       `json:"effectiveFrom"`
	EffectiveTo   *core.Date      `json:"effectiveTo"`
	Comment       string          `json:"comment" validate:"max=2000"`
}

// overrideUpdateRequest replaces the mutable fields of an override.
type overrideUpdateRequest struct {
	Value         any        `json:"value"`
	EffectiveFrom core.Date  `json:"effectiveFrom"`
	EffectiveTo   *core.Date `json:"effectiveTo"`
	Comment       string     `json:"comment" validate:"max=2000"`
}

// batchResolveRequest resolves one attribute for many keys.
type batchResolveRequest struct {
	Keys      []core.NaturalKey `json:"keys" validate:"required,min=1"`
	Attribute string            `json:"attribute" validate:"required,max=128"`
	AsOf      core.Date         `json:"asOf"`
}

// snapshotRequest is a full-refresh load of one entity type.
type snapshotRequest struct {
	SourceSystem string               `json:"sourceSystem" validate:"max=64"`
	Rows         []snapshotRowRequest `json:"rows" validate:"dive"`
}

// snapshotRowRequest carries attribute values as plain JSON scalars; they are
// typed against the entity descriptor.
type snapshotRowRequest struct {
	Key               core.NaturalKey `json:"key"`
	EffectiveDate     core.Date       `json:"effectiveDate"`
	EffectiveSequence int             `json:"effectiveSequence" validate:"gte=0"`
	IsMostRecent      bool            `json:"isMostRecent"`
	Attributes        map[string]any  `json:"attributes"`
	SourceSystem      string          `json:"sourceSystem" validate:"max=64"`
	SourceUpdatedAt   time.Time       `json:"sourceUpdatedAt"`
}

// newValidator reports problems under JSON field names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeJSON reads one JSON document from the body into dst and validates
// it. Numbers are kept as json.Number so payroll amounts are not rounded.
func (s *Server) decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return err
		case errors.Is(err, io.EOF):
			return badRequest("request body is empty")
		default:
			return badRequest(fmt.Sprintf("invalid request body: %v", err))
		}
	}
	if dec.More() {
		return badRequest("request body must contain a single JSON document")
	}

	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return badRequest(err.Error())
		}
		problems := make([]core.FieldError, len(verrs))
		for i, fe := range verrs {
			problems[i] = core.FieldError{
				Field:   strings.TrimPrefix(fe.Namespace(), reflect.TypeOf(dst).Elem().Name()+"."),
				Value:   fmt.Sprint(fe.Value()),
				Message: fmt.Sprintf("failed %q validation", fe.Tag()),
			}
		}
		return badRequest("invalid request body", problems...)
	}
	return nil
}

// requireParam returns a non-empty query parameter.
func requireParam(r *http.Request, name string) (string, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return "", badRequest("missing query parameter: " + name)
	}
	return v, nil
}

// keyParam parses the "a|b" key query parameter.
func keyParam(r *http.Request) (core.NaturalKey, error) {
	raw, err := requireParam(r, "key")
	if err != nil {
		return core.NaturalKey{}, err
	}
	key := core.ParseNaturalKey(raw)
	if !key.Valid() {
		return core.NaturalKey{}, badRequest("invalid key: " + raw)
	}
	return key, nil
}

// asOfParam parses asOf, defaulting to today.
func (s *Server) asOfParam(r *http.Request) (core.Date, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("asOf"))
	if raw == "" {
		return core.DateOf(s.now()), nil
	}
	d, err := core.ParseDate(raw)
	if err != nil {
		return core.Date{}, badRequest("invalid asOf: " + raw)
	}
	return d, nil
}

// idParam parses the {id} path parameter.
func idParam(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, badRequest("invalid override id: " + raw)
	}
	return id, nil
}

// parseIntParam parses a positive integer query parameter, capped at maxVal.
func parseIntParam(r *http.Request, name string, defaultVal, maxVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return defaultVal
	}
	return min(i, maxVal)
}

// typedValue converts a JSON value for attribute using the descriptor.
func typedValue(def core.EntityType, attribute string, raw any) (core.Value, error) {
	var (
		v   core.Value
		err error
	)
	if spec, ok := def.Attribute(attribute); ok {
		v, err = core.CoerceValue(spec.Type, raw)
	} else {
		v, err = core.InferValue(raw)
	}
	if err != nil {
		return core.Value{}, &core.ValidationError{
			EntityType: def.Name,
			Problems:   []core.FieldError{{Field: "value", Value: fmt.Sprint(raw), Message: err.Error()}},
		}
	}
	return v, nil
}

// snapshotRows types every row against def. Conversion problems are reported
// together, prefixed with the row number.
func snapshotRows(def core.EntityType, req snapshotRequest) ([]core.SnapshotRow, error) {
	rows := make([]core.SnapshotRow, 0, len(req.Rows))
	verr := &core.ValidationError{EntityType: def.Name}

	for i, in := range req.Rows {
		attrs, problems := def.TypedAttributes(in.Attributes)
		for _, p := range problems {
			p.Field = fmt.Sprintf("row %d attribute %s", i+1, p.Field)
			verr.Problems = append(verr.Problems, p)
		}
		source := in.SourceSystem
		if source == "" {
			source = req.SourceSystem
		}
		rows = append(rows, core.SnapshotRow{
			Key:               in.Key,
			EffectiveDate:     in.EffectiveDate,
			EffectiveSequence: in.EffectiveSequence,
			IsMostRecent:      in.IsMostRecent,
			Attributes:        attrs,
			SourceSystem:      source,
			SourceUpdatedAt:   in.SourceUpdatedAt,
		})
	}

	if len(verr.Problems) > 0 {
		return nil, verr
	}
	return rows, nil
}
