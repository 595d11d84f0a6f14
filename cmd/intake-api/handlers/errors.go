package handlers

import (
	"net/http"

	"github.com/lyzr/imageintake/common/errs"
)

// StatusFor maps a typed intake error to its HTTP status
func StatusFor(e *errs.Error) int {
	switch e.Kind {
	case errs.KindMalformedInput:
		switch e.Code {
		case errs.CodeTooLarge:
			return http.StatusRequestEntityTooLarge
		case errs.CodeMIMENotAllowed:
			return http.StatusUnsupportedMediaType
		case errs.CodeProbeTimeout:
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	case errs.KindDimensionViolation, errs.KindThreatDetected:
		return http.StatusUnprocessableEntity
	case errs.KindConversionFault:
		if e.Code == errs.CodeCodec {
			return http.StatusInternalServerError
		}
		return http.StatusUnprocessableEntity
	case errs.KindStateFault:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
