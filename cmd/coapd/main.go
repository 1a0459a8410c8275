/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// coapd runs a CoAP runtime bound to a UDP socket and echoes every
// request it receives back as a 2.05 Content response, mirroring the
// single-daemon shape of cmd/ptp4u against the step pipeline instead
// of the PTP server loop.
package main

import (
	"net/netip"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebook/coap/clock"
	"github.com/facebook/coap/config"
	"github.com/facebook/coap/message"
	"github.com/facebook/coap/runtime"
	"github.com/facebook/coap/socket"
	"github.com/facebook/coap/stats"
	"github.com/facebook/coap/step"
	"github.com/facebook/coap/transport"
)

var (
	listenAddr string
	configPath string
	tokenSeed  uint16
	statsPort  int
	logLevel   string
	useReset   bool
)

var rootCmd = &cobra.Command{
	Use:   "coapd",
	Short: "a CoAP server that echoes requests back as responses",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&listenAddr, "listen", "[::]:5683", "address to bind the CoAP UDP socket on")
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML runtime config")
	rootCmd.Flags().Uint16Var(&tokenSeed, "token-seed", 0, "override msg.token_seed from the config")
	rootCmd.Flags().IntVar(&statsPort, "stats-port", 8888, "port to serve Prometheus metrics on")
	rootCmd.Flags().StringVar(&logLevel, "loglevel", "info", "log level: debug, info, warning, error")
	rootCmd.Flags().BoolVar(&useReset, "reset-unknown-acks", false, "use the reset-unknown-acks step stack instead of hide-unknown-acks")
}

func setLogLevel() {
	switch logLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("unrecognized log level: %s", logLevel)
	}
}

func run(cmd *cobra.Command, args []string) error {
	setLogLevel()

	addr, err := netip.ParseAddrPort(listenAddr)
	if err != nil {
		return err
	}

	setFlags := map[string]bool{"token-seed": cmd.Flags().Changed("token-seed")}
	cfg, err := config.Prepare(configPath, tokenSeed, setFlags)
	if err != nil {
		return err
	}

	sock, err := socket.Bind(addr)
	if err != nil {
		return err
	}
	defer sock.Close()

	st := stats.New()
	go func() {
		if err := st.Serve(statsPort); err != nil {
			log.Warningf("coapd: stats server stopped: %v", err)
		}
	}()

	stk := "hide-unknown-acks"
	var rt *runtime.Runtime
	if useReset {
		stk = "reset-unknown-acks"
		rt = runtime.NewWithStack(clock.System{}, sock, *cfg, step.NewResetVariantStack())
	} else {
		rt = runtime.New(clock.System{}, sock, *cfg)
	}
	rt.UseStats(st)
	log.Infof("coapd: listening on %s using %s step stack", sock.LocalAddr(), stk)

	srv := runtime.NewBlockingServer(rt)
	return srv.Run(echoHandler)
}

func echoHandler(req *transport.Addr[*message.Message]) runtime.Outcome {
	resp := message.New(message.Acknowledgement, message.Content, req.Value.ID, req.Value.Token)
	resp.Payload = req.Value.Payload
	return runtime.MatchedOutcome(resp)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
