package apperr

import (
	"fmt"
	"net/http"
	"sort"
)

// Kind is one entry in the taxonomy.
type Kind struct {
	Code    string
	Name    string
	Message string
	Status  int
}

var (
	IncorrectDataType = Kind{
		Code:    "IncorrectDataType",
		Name:    "IncorrectDataType",
		Message: "Received data has incorrect type",
		Status:  http.StatusBadRequest,
	}
	InternalError = Kind{
		Code:    "InternalError",
		Name:    "InternalError",
		Message: "Internal error. Try again later",
		Status:  http.StatusInternalServerError,
	}
	PayloadTooLarge = Kind{
		Code:    "PayloadTooLarge",
		Name:    "PayloadTooLarge",
		Message: "Request body is too large",
		Status:  http.StatusRequestEntityTooLarge,
	}
	FileTooLarge = Kind{
		Code:    "FileTooLarge",
		Name:    "FileTooLarge",
		Message: "Uploaded file is too large",
		Status:  http.StatusRequestEntityTooLarge,
	}
	TooManyRequests = Kind{
		Code:    "TooManyRequests",
		Name:    "TooManyRequests",
		Message: "Too many requests. Try again later",
		Status:  http.StatusTooManyRequests,
	}
)

var taxonomy = buildTaxonomy(
	IncorrectDataType,
	InternalError,
	PayloadTooLarge,
	FileTooLarge,
	TooManyRequests,
)

func buildTaxonomy(kinds ...Kind) map[string]Kind {
	out := make(map[string]Kind, len(kinds))
	for _, k := range kinds {
		if k.Code == "" || k.Status < 400 || k.Status > 599 {
			panic(fmt.Sprintf("apperr: invalid kind %+v", k))
		}
		if _, dup := out[k.Code]; dup {
			panic("apperr: duplicate kind code " + k.Code)
		}
		out[k.Code] = k
	}
	return out
}

// Lookup returns the kind registered under code.
func Lookup(code string) (Kind, bool) {
	k, ok := taxonomy[code]
	return k, ok
}

// Kinds lists the taxonomy ordered by code.
func Kinds() []Kind {
	out := make([]Kind, 0, len(taxonomy))
	for _, k := range taxonomy {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
