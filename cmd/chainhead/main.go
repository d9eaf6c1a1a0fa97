package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/drpcorg/chainhead/internal/backend"
	"github.com/drpcorg/chainhead/internal/config"
	"github.com/drpcorg/chainhead/internal/follow"
	"github.com/drpcorg/chainhead/internal/protocol"
	"github.com/drpcorg/chainhead/internal/rpc"
	"github.com/drpcorg/chainhead/internal/server"
	_ "github.com/drpcorg/chainhead/pkg/logger"
	"github.com/drpcorg/chainhead/pkg/pyroscope"
	"github.com/rs/zerolog/log"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"
)

func main() {
	flag.Parse()

	appConfig, err := config.NewAppConfig()
	if err != nil {
		log.Panic().Err(err).Msg("unable to parse the config file")
	}

	mainCtx, mainCtxCancel := context.WithCancel(context.Background())
	defer mainCtxCancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Info().Msgf("got signal %v", sig)
		mainCtxCancel()
	}()

	if appConfig.ServerConfig.PyroscopeConfig.Enabled {
		_, err = pyroscope.InitPyroscope(fmt.Sprintf("%s-namespace", config.AppName), config.AppName, appConfig.ServerConfig.PyroscopeConfig)
		if err != nil {
			log.Warn().Err(err).Msg("error during pyroscope initialization")
		}
	}

	go func() {
		if appConfig.ServerConfig.PprofPort != 0 {
			pprofServer := http.Server{
				Addr: fmt.Sprintf("localhost:%d", appConfig.ServerConfig.PprofPort),
			}
			log.Info().Msgf("starting pprof server on port %d", appConfig.ServerConfig.PprofPort)
			pprofErr := pprofServer.ListenAndServe()
			if pprofErr != nil {
				log.Error().Err(pprofErr).Msg("pprof server couldn't start")
			}
		} else {
			log.Warn().Msg("pprof server is disabled")
		}
	}()

	connection, err := rpc.NewJsonRpcWsConnection(mainCtx, appConfig.NodeConfig)
	if err != nil {
		log.Panic().Err(err).Msgf("unable to connect to %s", appConfig.NodeConfig.Url)
	}
	defer connection.Close()

	chainHead, err := backend.NewChainHeadBackend(mainCtx, connection, appConfig.FollowConfig, appConfig.NodeConfig.InternalTimeout)
	if err != nil {
		log.Panic().Err(err).Msg("unable to create the chainHead backend")
	}
	chainHead.Start()

	group, groupCtx := errgroup.WithContext(mainCtx)
	group.Go(func() error {
		select {
		case <-chainHead.Done():
			return chainHead.Err()
		case <-groupCtx.Done():
			return nil
		}
	})
	group.Go(func() error {
		genesisHash, genesisErr := chainHead.GenesisHash(groupCtx)
		if genesisErr != nil {
			return fmt.Errorf("couldn't get the genesis hash, cause - %w", genesisErr)
		}
		log.Info().Msgf("following the chain with genesis %s", genesisHash)
		return nil
	})
	group.Go(func() error {
		return logFinalizedHeaders(groupCtx, chainHead)
	})
	if appConfig.FollowConfig.IsWithRuntime() {
		group.Go(func() error {
			return logRuntimeVersions(groupCtx, chainHead)
		})
	}
	if appConfig.ServerConfig.MetricsPort != 0 {
		statusServer := server.NewStatusServer(groupCtx, chainHead.Registry())
		group.Go(func() error {
			return server.StartEcho(statusServer, fmt.Sprintf(":%d", appConfig.ServerConfig.MetricsPort))
		})
		group.Go(func() error {
			<-groupCtx.Done()
			return statusServer.Close()
		})
	} else {
		log.Warn().Msg("metrics server is disabled")
	}

	if err = group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("chainhead has stopped")
	}
	chainHead.Stop()
	chainHead.Wait()
}

func logFinalizedHeaders(ctx context.Context, chainHead backend.Backend) error {
	headers, err := chainHead.StreamFinalizedBlockHeaders(ctx)
	if err != nil {
		return err
	}
	defer headers.Close()

	for {
		header, ref, err := headers.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isStreamEnd(err) {
				return fmt.Errorf("finalized headers have stopped, cause - %w", err)
			}
			log.Warn().Err(err).Msg("couldn't get a finalized header")
			continue
		}
		log.Info().Msgf("finalized block %s, header size %d", ref.Hash(), len(header))
		ref.Release()
	}
}

func logRuntimeVersions(ctx context.Context, chainHead backend.Backend) error {
	versions, err := chainHead.StreamRuntimeVersion(ctx)
	if err != nil {
		return err
	}
	defer versions.Close()

	for {
		version, err := versions.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, backend.ErrInvalidRuntime) {
				log.Warn().Err(err).Msg("couldn't get the runtime version")
				continue
			}
			return fmt.Errorf("runtime versions have stopped, cause - %w", err)
		}
		log.Info().Msgf("runtime spec version %d, transaction version %d", version.SpecVersion, version.TransactionVersion)
	}
}

// isStreamEnd reports errors after which a block event stream gives nothing else
func isStreamEnd(err error) bool {
	return errors.Is(err, protocol.ErrTransportFatal) ||
		errors.Is(err, protocol.ErrSubscriberLagged) ||
		errors.Is(err, follow.ErrSubscriberClosed) ||
		errors.Is(err, context.Canceled)
}
