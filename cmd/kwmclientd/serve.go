/*
 * Copyright 2017 Kopano and its licensors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License, version 3,
 * as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"stash.kopano.io/kwm/kwmclient/config"
	api "stash.kopano.io/kwm/kwmclient/signaling/api-v1"
	"stash.kopano.io/kwm/kwmclient/signaling/auth"
	"stash.kopano.io/kwm/kwmclient/signaling/call"
	"stash.kopano.io/kwm/kwmclient/signaling/connection"
	"stash.kopano.io/kwm/kwmclient/signaling/media"
	"stash.kopano.io/kwm/kwmclient/signaling/messaging"
	"stash.kopano.io/kwm/kwmclient/signaling/server"
	"stash.kopano.io/kwm/kwmclient/turn"
)

const metricsNamespace = "kwmclient"

func commandServe() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve [...args]",
		Short: "Connect to the server and listen for control requests",
		Run: func(cmd *cobra.Command, args []string) {
			if err := serve(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}
	addConfigFlags(serveCmd)
	serveCmd.Flags().String("listen", config.DefaultListenAddr, "TCP listen address of the control API")
	serveCmd.Flags().String("server-url", "", "Base URL of the realtime server")
	serveCmd.Flags().Bool("with-metrics", false, "Serve prometheus metrics at /metrics")
	serveCmd.Flags().String("log-level", "info", "Log level (one of panic, fatal, error, warn, info or debug)")
	serveCmd.Flags().Bool("log-timestamp", true, "Prefix each log line with timestamp")

	// Pprof support.
	serveCmd.Flags().Bool("with-pprof", false, "With pprof enabled")
	serveCmd.Flags().String("pprof-listen", "127.0.0.1:6060", "TCP listen address for pprof")

	return serveCmd
}

func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Full path to YAML configuration file")
	cmd.Flags().StringSlice("env-file", []string{".env"}, "Files to load environment variables from")
}

// loadConfig merges the configuration file, the environment and the flags
// of cmd, in that order of precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFiles, _ := cmd.Flags().GetStringSlice("env-file")
	if err := config.LoadEnvFiles(envFiles...); err != nil {
		return nil, err
	}

	cfg := config.Default()
	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)

	if flag := cmd.Flags().Lookup("listen"); flag != nil && flag.Changed {
		cfg.ListenAddr = flag.Value.String()
	}
	if flag := cmd.Flags().Lookup("server-url"); flag != nil && flag.Changed {
		cfg.ServerURL = flag.Value.String()
	}
	if flag := cmd.Flags().Lookup("with-metrics"); flag != nil && flag.Changed {
		cfg.WithMetrics, _ = cmd.Flags().GetBool("with-metrics")
	}

	return cfg, nil
}

func newTURNServer(cfg *config.Config, logger logrus.FieldLogger) (turn.Server, error) {
	switch {
	case cfg.TURNServerSharedSecret != "":
		turnsrv, err := turn.NewSharedsecretServer(cfg.TURNURIs, []byte(cfg.TURNServerSharedSecret), 0, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize TURN shared secret support: %w", err)
		}
		logger.WithField("uris", cfg.TURNURIs).Debugln("TURN shared secret credentials enabled")
		return turnsrv, nil

	case cfg.TURNServerServiceUsername != "":
		client := cfg.Client
		if client == nil {
			client = &http.Client{
				Timeout: 30 * time.Second,
			}
		}
		turnsrv, err := turn.NewServerAuthServer(
			cfg.TURNServerServiceURL,
			cfg.TURNServerServiceUsername,
			cfg.TURNServerServicePassword,
			client,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize TURN service support: %w", err)
		}
		logger.WithField("url", cfg.TURNServerServiceURL).Debugln("TURN service credentials enabled")
		return turnsrv, nil

	case len(cfg.TURNURIs) > 0:
		turnsrv, err := turn.NewStaticServer(cfg.TURNURIs, cfg.TURNUsername, cfg.TURNPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize static TURN support: %w", err)
		}
		logger.WithField("uris", cfg.TURNURIs).Debugln("static TURN credentials enabled")
		return turnsrv, nil
	}

	return nil, nil
}

func serve(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	logTimestamp, _ := cmd.Flags().GetBool("log-timestamp")
	logLevel, _ := cmd.Flags().GetString("log-level")

	logger, err := newLogger(!logTimestamp, logLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	logger.Infoln("serve start")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err = cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	cfg.Logger = logger

	// The token is opaque to the client, its claims are only used for
	// logging and as TURN username.
	var subject string
	if info, inspectErr := auth.InspectToken(cfg.Token); inspectErr != nil {
		logger.WithError(inspectErr).Warnln("unable to inspect auth token")
	} else {
		subject = info.Subject
		if info.Expired(time.Now()) {
			logger.WithField("exp", info.ExpiresAt).Warnln("auth token is expired")
		}
		logger.WithFields(logrus.Fields{
			"sub":      info.Subject,
			"username": info.Username,
		}).Infoln("using auth token")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	cfg.Gatherer = registry
	cfg.Metrics = prometheus.WrapRegistererWithPrefix(metricsNamespace+"_", registry)

	turnsrv, err := newTURNServer(cfg, logger)
	if err != nil {
		return err
	}

	connm := connection.NewManager(ctx, "", &connection.Config{
		URL: cfg.ServerURL,

		ConnectTimeout:       cfg.ConnectTimeout,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		HeartbeatTimeout:     cfg.HeartbeatTimeout,
		ReconnectInterval:    cfg.ReconnectInterval,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, logger)
	connm.OnFailure(func(failureErr error) {
		logger.WithError(failureErr).Errorln("realtime connection failed, restart or reconfigure to retry")
	})
	connection.MustRegister(cfg.Metrics, connection.NewManagerCollector(connm))

	adapter, err := media.New(ctx, &media.Config{
		STUNURIs: cfg.STUNURIs,
		TURN:     turnsrv,
		TURNUser: subject,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create media adapter: %w", err)
	}

	callm, err := call.NewManager(ctx, "", &call.Config{
		Signaler:  connm,
		Media:     adapter,
		Presenter: newLogPresenter(logger),

		CallTimeout:      cfg.CallTimeout,
		IncomingTimeout:  cfg.IncomingTimeout,
		OfferWaitTimeout: cfg.OfferWaitTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create call manager: %w", err)
	}
	callm.OnStateChange(func(state call.State) {
		logger.WithFields(logrus.Fields{
			"status":  state.Status,
			"room_id": state.RoomID,
			"reason":  state.Reason,
		}).Debugln("call state changed")
	})
	callm.Attach()
	call.MustRegister(cfg.Metrics, call.NewManagerCollector(callm))

	presence := messaging.NewPresence(connm, logger)
	presence.OnMessage(func(message *api.RTMDataNewMessage) {
		logger.WithFields(logrus.Fields{
			"chat_id": message.ChatID(),
			"id":      message.ID,
			"type":    message.MessageType,
		}).Infoln("new chat message")
	})
	presence.Attach()
	messenger := messaging.NewClient(connm, presence, nil, logger)

	var control *auth.ControlSigner
	if cfg.ControlSigningKey != "" {
		control, err = auth.NewControlSigner("", map[string][]byte{
			"": []byte(cfg.ControlSigningKey),
		}, nil)
		if err != nil {
			return fmt.Errorf("failed to create control signer: %w", err)
		}
		logger.Infoln("control API requires auth")
	} else {
		logger.Warnln("control API without auth, keep it on a local address")
	}

	srv, err := server.NewServer(&server.Config{
		Logger: logger,

		ListenAddr:         cfg.ListenAddr,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,

		WithMetrics: cfg.WithMetrics,
		Gatherer:    cfg.Gatherer,

		Control: control,

		Connection: connm,
		Call:       callm,
		Messenger:  messenger,
		Presence:   presence,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Profiling support.
	withPprof, _ := cmd.Flags().GetBool("with-pprof")
	pprofListenAddr, _ := cmd.Flags().GetString("pprof-listen")
	if withPprof && pprofListenAddr != "" {
		runtime.SetMutexProfileFraction(5)
		go func() {
			pprofListen := pprofListenAddr
			logger.WithField("listenAddr", pprofListen).Infoln("pprof enabled, starting listener")
			err := http.ListenAndServe(pprofListen, nil)
			if err != nil {
				logger.WithError(err).Errorln("unable to start pprof listener")
			}
		}()
	}

	if err = connm.Init(cfg.Token); err != nil {
		return fmt.Errorf("failed to start realtime connection: %w", err)
	}

	logger.Infoln("serve started")
	err = srv.Serve(ctx)

	callm.Detach()
	presence.Detach()
	adapter.Close()

	return err
}
