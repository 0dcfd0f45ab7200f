package app

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"marksync/api/internal/store"
)

type documentPayload struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	Content            string    `json:"content"`
	Tags               []string  `json:"tags"`
	Version            int64     `json:"version"`
	LastEditPosition   int       `json:"lastEditPosition"`
	WordCount          int       `json:"wordCount"`
	ReadingTimeMinutes int       `json:"readingTimeMinutes"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

func toDocumentPayload(doc store.Document) documentPayload {
	tags := doc.Tags
	if tags == nil {
		tags = []string{}
	}
	return documentPayload{
		ID:                 doc.ID,
		Title:              doc.Title,
		Content:            doc.Content,
		Tags:               tags,
		Version:            doc.Version,
		LastEditPosition:   doc.LastEditPosition,
		WordCount:          doc.WordCount,
		ReadingTimeMinutes: doc.ReadingTimeMinutes,
		CreatedAt:          doc.CreatedAt,
		UpdatedAt:          doc.UpdatedAt,
	}
}

type revisionPayload struct {
	Version   int64     `json:"version"`
	Hash      string    `json:"hash"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateBody checks struct tags and reports every failing field.
func validateBody(target any) error {
	err := validate.Struct(target)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	details := make([]FieldError, 0, len(fieldErrs))
	for _, fieldErr := range fieldErrs {
		details = append(details, FieldError{Field: fieldErr.Field(), Message: validationMessage(fieldErr)})
	}
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid request", details)
}

func validationMessage(fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must be at least " + fieldErr.Param()
	case "max":
		return "must be at most " + fieldErr.Param()
	default:
		return "is invalid"
	}
}
