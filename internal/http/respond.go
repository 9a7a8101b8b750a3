package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslations "github.com/go-playground/validator/v10/translations/en"

	"github.com/example/campus-escort/internal/matcher"
	"github.com/example/campus-escort/internal/models"
)

const maxBodyBytes = 1 << 20

type errorBody = models.ErrorView

func newValidator() (*validator.Validate, ut.Translator) {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	english := en.New()
	uni := ut.New(english, english)
	trans, _ := uni.GetTranslator("en")
	_ = enTranslations.RegisterDefaultTranslations(v, trans)
	return v, trans
}

// decode reads and validates a JSON body, replying 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: malformed JSON body: %v", models.ErrValidation, err))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.writeError(w, r, s.translate(err))
		return false
	}
	return true
}

func (s *Server) translate(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, fe.Translate(s.trans))
	}
	return fmt.Errorf("%w: %s", models.ErrValidation, strings.Join(msgs, "; "))
}

// errorStatus maps the error taxonomy onto a status code and the message
// clients see.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, matcher.ErrInvalidAddress):
		return http.StatusBadRequest, "Invalid pickup or destination address"
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, models.ErrRideNotFound):
		return http.StatusNotFound, "Ride not found"
	case errors.Is(err, models.ErrDriverNotFound):
		return http.StatusNotFound, "Driver not found"
	case errors.Is(err, models.ErrRideNotWaiting):
		return http.StatusConflict, "Ride not available"
	case errors.Is(err, models.ErrRideNotInCar):
		return http.StatusConflict, "Ride not in progress"
	case errors.Is(err, models.ErrDriverUnavailable):
		return http.StatusConflict, "Driver not available"
	case errors.Is(err, models.ErrNoCapacity):
		return http.StatusServiceUnavailable, "No drivers available"
	}
	return http.StatusInternalServerError, "internal error"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, status, errorBody{Error: msg})
}
