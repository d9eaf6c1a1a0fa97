package pyroscope

import (
	"os"
	"runtime"

	"github.com/grafana/pyroscope-go"
)

type PyroConfig interface {
	GetServerAddress() string
	GetServerUsername() string
	GetServerPassword() string
}

// InitPyroscope starts continuous profiling of the follower process
func InitPyroscope(namespace string, appName string, config PyroConfig) (*pyroscope.Profiler, error) {
	runtime.SetMutexProfileFraction(5)
	runtime.SetBlockProfileRate(5)

	return pyroscope.Start(pyroscope.Config{
		ApplicationName:   appName,
		ServerAddress:     config.GetServerAddress(),
		BasicAuthUser:     config.GetServerUsername(),
		BasicAuthPassword: config.GetServerPassword(),
		Tags: map[string]string{
			"host":      os.Getenv("HOSTNAME"),
			"namespace": namespace,
		},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
			pyroscope.ProfileMutexDuration,
			pyroscope.ProfileBlockDuration,
		},
	})
}
