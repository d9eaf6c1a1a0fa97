package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/bytedance/sonic/decoder"
	"github.com/bytedance/sonic/encoder"
	"github.com/drpcorg/chainhead/internal/config"
	"github.com/drpcorg/chainhead/internal/follow"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
)

// FollowStatus is what the status endpoints report about the follow subscription
type FollowStatus interface {
	FollowState() follow.FollowState
	Err() error
}

type StatusResponse struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// the middleware registers its collectors, it can be made only once per process
var metricsMiddleware = sync.OnceValue(func() echo.MiddlewareFunc {
	return echoprometheus.NewMiddleware(config.AppName)
})

type FastJSONSerializer struct{}

func (FastJSONSerializer) Serialize(c echo.Context, i interface{}, indent string) error {
	enc := encoder.NewStreamEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (FastJSONSerializer) Deserialize(c echo.Context, i interface{}) error {
	return decoder.NewStreamDecoder(c.Request().Body).Decode(i)
}

// NewStatusServer serves prometheus metrics and the state of the follow subscription
func NewStatusServer(ctx context.Context, status FollowStatus) *echo.Echo {
	statusServer := echo.New()
	statusServer.HideBanner = true
	configureServer(ctx, statusServer.Server)
	statusServer.JSONSerializer = &FastJSONSerializer{}
	statusServer.Use(metricsMiddleware())

	statusServer.GET("/metrics", echoprometheus.NewHandler())
	statusServer.GET("/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, statusOf(status))
	})
	statusServer.GET("/health", func(c echo.Context) error {
		response := statusOf(status)
		if status.FollowState() == follow.Finished {
			return c.JSON(http.StatusServiceUnavailable, response)
		}
		return c.JSON(http.StatusOK, response)
	})
	return statusServer
}

func statusOf(status FollowStatus) StatusResponse {
	response := StatusResponse{State: status.FollowState().String()}
	if err := status.Err(); err != nil {
		response.Error = err.Error()
	}
	return response
}
