package echoapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/unihub/core"
	"github.com/trezcool/unihub/core/portal"
)

var notFoundErrors = []error{
	portal.ErrChannelNotFound,
	portal.ErrMessageNotFound,
	portal.ErrProfileNotFound,
	portal.ErrMemberNotFound,
}

// domainError maps portal errors to their HTTP status and message.
func domainError(err error) (int, string, bool) {
	switch {
	case portal.IsNotFound(err):
		for _, nf := range notFoundErrors {
			if errors.Is(err, nf) {
				return http.StatusNotFound, nf.Error(), true
			}
		}
		return http.StatusNotFound, portal.ErrNotFound.Error(), true
	case errors.Is(err, portal.ErrForbidden):
		return http.StatusForbidden, portal.ErrForbidden.Error(), true
	case errors.Is(err, portal.ErrAlreadyMember):
		return http.StatusConflict, portal.ErrAlreadyMember.Error(), true
	case errors.Is(err, portal.ErrNoSession):
		return http.StatusUnauthorized, errUnauthorized.Message.(string), true
	}
	return 0, "", false
}

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(logger core.Logger, translator ut.Translator, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		var code int
		var message interface{}

		if c, msg, ok := domainError(err); ok {
			code, message = c, msg
		} else {
			switch origErr := errors.Cause(err).(type) {
			case *echo.HTTPError:
				if origErr == middleware.ErrJWTMissing {
					code = http.StatusUnauthorized
					message = origErr.Message
					break
				}
				if origErr.Internal != nil {
					if herr, ok := origErr.Internal.(*echo.HTTPError); ok {
						origErr = herr
					}
				}
				code = origErr.Code
				message = origErr.Message
			case validator.ValidationErrors:
				code = http.StatusBadRequest
				message = core.TranslateFieldErrors(origErr, translator)
			case *core.ValidationError:
				if origErr.Fields != nil {
					fldErrs := make(map[string]string, len(origErr.Fields))
					for _, fErr := range origErr.Fields {
						fldErrs[fErr.Field] = fErr.Error
					}
					message = fldErrs
				} else {
					message = origErr.Error()
				}
				code = http.StatusBadRequest
			default: // any other error is a server error
				code = http.StatusInternalServerError
				msg := http.StatusText(http.StatusInternalServerError)
				message = msg

				sess, _ := getContextSession(ctx)
				logger.Error(msg, errors.Wrap(err, msg), sess)

				// shutting down...
				if core.IsShutdown(err) {
					signalShutdown()
				}
			}
		}

		if ctx.Echo().Debug && code == http.StatusInternalServerError {
			message = err.Error()
		}
		if m, ok := message.(string); ok {
			message = echo.Map{"error": m}
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead { // Issue #608
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, message)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}
