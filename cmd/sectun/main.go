// Command sectun runs a secure TCP tunnel proxy: a pair of cooperating
// processes that encrypt a plaintext TCP byte stream between an unmodified
// client and an unmodified server, sharing nothing but a pre-shared key.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"sectun/internal/config"
	"sectun/internal/logging"
	"sectun/internal/metrics"
	"sectun/internal/secretstream"
	"sectun/internal/transport"
	"sectun/internal/tunnel"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sectun",
		Short:   "A secure TCP tunnel proxy",
		Version: Version,
	}
	cmd.AddCommand(runCmd(), keygenCmd(), initCmd(), gencertCmd())
	return cmd
}

// runCmd implements the `run` subcommand: one proxy process, acting as
// either the client-side or server-side half of a tunnel pair.
func runCmd() *cobra.Command {
	var (
		configPath   string
		serverProxy  bool
		listenAddr   string
		upstream     string
		keyFile      string
		transportStr string
		logLevel     string
		logFormat    string
		metricsAddr  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the tunnel proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			flags := cmd.Flags()
			if flags.Changed("server-proxy") {
				cfg.Proxy.ServerProxy = serverProxy
			}
			if flags.Changed("listen") {
				cfg.Proxy.Listen = listenAddr
			}
			if flags.Changed("upstream") {
				cfg.Proxy.Upstream = upstream
			}
			if flags.Changed("key-file") {
				cfg.Agent.KeyFile = keyFile
			}
			if flags.Changed("transport") {
				cfg.Transport.Type = config.TransportType(transportStr)
			}
			if flags.Changed("log-level") {
				cfg.Agent.LogLevel = logLevel
			}
			if flags.Changed("log-format") {
				cfg.Agent.LogFormat = logFormat
			}
			if flags.Changed("metrics-addr") {
				cfg.Metrics.Enabled = true
				cfg.Metrics.Address = metricsAddr
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			return runProxy(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML config file (flags below override it)")
	flags.BoolVarP(&serverProxy, "server-proxy", "S", false, "run as the server-side proxy (default: client-side)")
	flags.StringVar(&listenAddr, "listen", "", "local address to accept connections on")
	flags.StringVar(&upstream, "upstream", "", "address to dial per accepted connection (peer proxy, client-side; real server, server-side)")
	flags.StringVarP(&keyFile, "key-file", "k", "", "path to the pre-shared key file")
	flags.StringVar(&transportStr, "transport", "", "wire transport: tcp, tls, ws, or quic")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", "", "log format: text or json")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (enables metrics)")

	return cmd
}

// runProxy wires up a configured tunnel.RunSession accept loop and blocks
// until interrupted.
func runProxy(cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)

	keyFile, err := config.LoadKeyFile(cfg.Agent.KeyFile)
	if err != nil {
		return fmt.Errorf("sectun: load key file: %w", err)
	}

	transportType, err := transport.ParseTransportType(string(cfg.Transport.Type))
	if err != nil {
		return err
	}
	tr, err := transport.New(transportType)
	if err != nil {
		return err
	}
	defer tr.Close()

	m := metrics.Default()
	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Address, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	role := "client-side"
	if cfg.Proxy.ServerProxy {
		role = "server-side"
	}
	logger.Info("sectun starting",
		"role", role,
		logging.KeyTransport, cfg.Transport.Type,
		"listen", cfg.Proxy.Listen,
		"upstream", cfg.Proxy.Upstream,
	)

	if cfg.Proxy.ServerProxy {
		return runServerProxy(ctx, cfg, tr, keyFile.Key, logger, m)
	}
	return runClientProxy(ctx, cfg, tr, keyFile.Key, logger, m)
}

// runServerProxy listens for peer-proxy connections and dials the real
// upstream server for each one (spec.md §6's "Process roles", server
// side).
func runServerProxy(ctx context.Context, cfg *config.Config, tr transport.Transport, key []byte, logger *slog.Logger, m *metrics.Metrics) error {
	listenOpts := transport.DefaultListenOptions()
	listenOpts.Path = cfg.Transport.Path
	listenOpts.PlainText = cfg.Transport.PlainText

	tlsCfg, err := buildListenerTLSConfig(cfg)
	if err != nil {
		return err
	}
	listenOpts.TLSConfig = tlsCfg

	ln, err := tr.Listen(cfg.Proxy.Listen, listenOpts)
	if err != nil {
		return fmt.Errorf("sectun: listen: %w", err)
	}
	defer ln.Close()

	var sessionN uint64
	for {
		peerConn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("accept failed", logging.KeyError, err)
			continue
		}

		sessionN++
		sessionID := fmt.Sprintf("srv-%d", sessionN)

		go func() {
			defer peerConn.Close()

			dialer := net.Dialer{Timeout: cfg.Proxy.DialTimeout}
			localConn, err := dialer.DialContext(ctx, "tcp", cfg.Proxy.Upstream)
			if err != nil {
				logger.Error("dial upstream failed", logging.KeySession, sessionID, logging.KeyError, err)
				return
			}
			defer localConn.Close()

			runAndRecordSession(ctx, logger, m, sessionID, true, localConn.(*net.TCPConn), peerConn, key)
		}()
	}
}

// runClientProxy listens for plaintext application connections and dials
// the peer proxy for each one (spec.md §6's "Process roles", client side).
func runClientProxy(ctx context.Context, cfg *config.Config, tr transport.Transport, key []byte, logger *slog.Logger, m *metrics.Metrics) error {
	ln, err := net.Listen("tcp", cfg.Proxy.Listen)
	if err != nil {
		return fmt.Errorf("sectun: listen: %w", err)
	}
	defer ln.Close()

	dialOpts := transport.DefaultDialOptions()
	dialOpts.Timeout = cfg.Proxy.DialTimeout
	dialOpts.StrictVerify = cfg.Transport.StrictVerify

	tlsCfg, err := buildDialerTLSConfig(cfg)
	if err != nil {
		return err
	}
	dialOpts.TLSConfig = tlsCfg

	var sessionN uint64
	for {
		localConn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("accept failed", logging.KeyError, err)
			continue
		}

		sessionN++
		sessionID := fmt.Sprintf("cli-%d", sessionN)

		go func() {
			defer localConn.Close()

			peerConn, err := tr.Dial(ctx, cfg.Proxy.Upstream, dialOpts)
			if err != nil {
				logger.Error("dial peer failed", logging.KeySession, sessionID, logging.KeyError, err)
				return
			}
			defer peerConn.Close()

			runAndRecordSession(ctx, logger, m, sessionID, false, localConn.(*net.TCPConn), peerConn, key)
		}()
	}
}

// runAndRecordSession runs one tunnel session to completion, recording its
// outcome in the metrics package (kept decoupled from internal/tunnel,
// which reports counters only by return value) and logging a human
// readable completion line with humanize-formatted byte counts.
func runAndRecordSession(ctx context.Context, logger *slog.Logger, m *metrics.Metrics, sessionID string, isServerProxy bool, local, peer tunnel.Conn, key []byte) {
	m.RecordSessionStart()
	start := time.Now()

	result, err := tunnel.RunSession(ctx, logger, sessionID, isServerProxy, local, peer, key)

	m.RecordSessionEnd(result.ClosedBy, time.Since(start).Seconds())
	m.MessagesTransferred.WithLabelValues("encrypt").Add(float64(result.Encrypt.MessagesTransferred))
	m.BytesTransferred.WithLabelValues("encrypt").Add(float64(result.Encrypt.PlaintextBytesTransferred))
	m.MessagesTransferred.WithLabelValues("decrypt").Add(float64(result.Decrypt.MessagesTransferred))
	m.BytesTransferred.WithLabelValues("decrypt").Add(float64(result.Decrypt.PlaintextBytesTransferred))

	if isDecryptFailure(err) {
		m.RecordDecryptFailure()
	}

	totalBytes := result.Encrypt.PlaintextBytesTransferred + result.Decrypt.PlaintextBytesTransferred
	if err != nil {
		logger.Error("session failed",
			logging.KeySession, sessionID,
			logging.KeyError, err,
			logging.KeyBytes, humanize.Bytes(totalBytes),
		)
		return
	}
	logger.Info("session done",
		logging.KeySession, sessionID,
		logging.KeyClosedBy, result.ClosedBy,
		logging.KeyBytes, humanize.Bytes(totalBytes),
	)
}

// isDecryptFailure reports whether err is (or wraps) a secretstream
// DecryptMsg authentication failure, the one failure mode spec §7 calls
// out as worth a dedicated metric.
func isDecryptFailure(err error) bool {
	var sErr *secretstream.Error
	return errors.As(err, &sErr) && sErr.Kind == "DecryptMsg"
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("serving metrics", "address", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", logging.KeyError, err)
	}
}

// buildListenerTLSConfig builds the TLS config a tls/ws/quic listener
// needs from cfg.Transport's cert/key/ca fields. A tcp listener, or a ws
// listener relying on cfg.Transport.PlainText, needs none.
func buildListenerTLSConfig(cfg *config.Config) (*tls.Config, error) {
	if cfg.Transport.Cert == "" {
		return nil, nil
	}
	if cfg.Transport.CA != "" {
		return transport.LoadMutualTLSConfig(cfg.Transport.Cert, cfg.Transport.Key, cfg.Transport.CA)
	}
	return transport.LoadTLSConfig(cfg.Transport.Cert, cfg.Transport.Key)
}

// buildDialerTLSConfig builds the TLS config a tls/ws/quic dial needs.
// The client side commonly has no certificate of its own, only (maybe) a
// CA to verify the peer against.
func buildDialerTLSConfig(cfg *config.Config) (*tls.Config, error) {
	if cfg.Transport.CA == "" {
		return nil, nil
	}
	return transport.LoadClientTLSConfig(cfg.Transport.CA, cfg.Transport.StrictVerify)
}

// keygenCmd implements `sectun keygen`: generates a new pre-shared
// secretstream key file, the direct descendant of wormhole-keygen.
func keygenCmd() *cobra.Command {
	var out string
	var force bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new pre-shared key file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := os.Stat(out); err == nil {
					return fmt.Errorf("sectun: %s already exists (use --force to overwrite)", out)
				}
			}

			kf, err := config.GenerateKeyFile()
			if err != nil {
				return err
			}
			if err := kf.Save(out); err != nil {
				return err
			}

			fmt.Printf("wrote new key to %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "sectun.key", "path to write the key file to")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	return cmd
}

// gencertCmd implements `sectun gencert`: generates a self-signed
// certificate/key pair for the tls/ws/quic transports, wrapping
// internal/transport's certificate helpers.
func gencertCmd() *cobra.Command {
	var (
		certOut    string
		keyOut     string
		commonName string
		validFor   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "gencert",
		Short: "Generate a self-signed TLS certificate and key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := transport.GenerateAndSaveCert(certOut, keyOut, commonName, validFor); err != nil {
				return err
			}
			fmt.Printf("wrote certificate to %s and key to %s (valid for %s, CN=%s)\n", certOut, keyOut, validFor, commonName)
			return nil
		},
	}

	cmd.Flags().StringVar(&certOut, "cert", "sectun.crt", "path to write the certificate to")
	cmd.Flags().StringVar(&keyOut, "key", "sectun.key.pem", "path to write the private key to")
	cmd.Flags().StringVar(&commonName, "common-name", "localhost", "certificate common name")
	cmd.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "certificate validity period")
	return cmd
}

// initCmd implements `sectun init`: a short interactive huh form asking
// for the handful of fields `run` needs, writing a config file — a
// scaled-down descendant of the teacher's setup wizard, proportionate to
// this tool's much smaller configuration surface.
func initCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactively generate a sectun config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()

			var role string
			var transportStr string
			var genKey bool

			form := huh.NewForm(
				huh.NewGroup(
					huh.NewSelect[string]().
						Title("Which side of the tunnel is this process?").
						Options(
							huh.NewOption("Client-side (accepts local app connections, dials the peer proxy)", "client"),
							huh.NewOption("Server-side (accepts the peer proxy, dials the real server)", "server"),
						).
						Value(&role),
					huh.NewInput().
						Title("Listen address").
						Placeholder("127.0.0.1:9000").
						Value(&cfg.Proxy.Listen),
					huh.NewInput().
						Title("Upstream address to dial").
						Placeholder("10.0.0.1:4433").
						Value(&cfg.Proxy.Upstream),
					huh.NewSelect[string]().
						Title("Wire transport").
						Options(
							huh.NewOption("tcp", "tcp"),
							huh.NewOption("tls", "tls"),
							huh.NewOption("ws", "ws"),
							huh.NewOption("quic", "quic"),
						).
						Value(&transportStr),
					huh.NewInput().
						Title("Pre-shared key file").
						Placeholder("sectun.key").
						Value(&cfg.Agent.KeyFile),
					huh.NewConfirm().
						Title("Generate that key file now?").
						Value(&genKey),
				),
			)
			if err := form.Run(); err != nil {
				return fmt.Errorf("sectun init: %w", err)
			}

			cfg.Proxy.ServerProxy = role == "server"
			cfg.Transport.Type = config.TransportType(transportStr)

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("sectun init: generated config is invalid: %w", err)
			}

			if genKey {
				if _, err := os.Stat(cfg.Agent.KeyFile); err == nil {
					fmt.Printf("%s already exists, leaving it in place\n", cfg.Agent.KeyFile)
				} else {
					kf, err := config.GenerateKeyFile()
					if err != nil {
						return err
					}
					if err := kf.Save(cfg.Agent.KeyFile); err != nil {
						return err
					}
					fmt.Printf("wrote new key to %s\n", cfg.Agent.KeyFile)
				}
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0644); err != nil {
				return fmt.Errorf("sectun init: write config: %w", err)
			}

			fmt.Printf("wrote config to %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "sectun.yaml", "path to write the config file to")
	return cmd
}
