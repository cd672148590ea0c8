// meshboxctl drives meshboxd over its control socket. Each subcommand maps
// to one control operation; failures print the mapped error and exit
// non-zero.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spin-stack/meshbox/internal/config"
	"github.com/spin-stack/meshbox/internal/ctl"
)

// waitTimeout bounds each command. Long-running operations keep going in
// meshboxd; only this client stops waiting.
const waitTimeout = 2 * time.Second

func usage() {
	fmt.Fprintf(os.Stderr, `usage: meshboxctl [-socket path] <command>

commands:
  enable                                   turn the mesh network on
  disable                                  turn the mesh network off
  join <tlv-hex>                           attach using an active dataset
  leave                                    detach and wipe the dataset
  migrate <tlv-hex> <delay-seconds>        schedule a dataset migration
  force-stop-daemon enabled|disabled       test-only daemon kill switch
  force-country-code enabled <CC>          override the regulatory region
  force-country-code disabled              clear the override
  get-country-code                         print the effective region
  get-channel-masks                        print supported/preferred channels
`)
	os.Exit(2)
}

func main() {
	socket := ""
	flag.StringVar(&socket, "socket", "", "control socket path (default from configuration)")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	if socket == "" {
		cfg, err := config.Get()
		if err != nil {
			fatal(err)
		}
		socket = cfg.Paths.ControlSocket
	}

	req, err := buildRequest(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
	}

	client, err := ctl.DialClient(socket, waitTimeout)
	if err != nil {
		fatal(err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	resp, err := client.Call(ctx, req)
	if err != nil {
		fatal(err)
	}
	printResult(req.Verb, resp)
}

func buildRequest(args []string) (ctl.Request, error) {
	verb, rest := args[0], args[1:]
	switch verb {
	case ctl.VerbEnable, ctl.VerbDisable, ctl.VerbLeave, ctl.VerbGetCountryCode, ctl.VerbGetChannelMasks:
		if len(rest) != 0 {
			return ctl.Request{}, fmt.Errorf("%s takes no arguments", verb)
		}
		return ctl.Request{Verb: verb}, nil

	case ctl.VerbJoin:
		if len(rest) != 1 {
			return ctl.Request{}, fmt.Errorf("join requires <tlv-hex>")
		}
		return ctl.Request{Verb: verb, DatasetHex: rest[0]}, nil

	case ctl.VerbMigrate:
		if len(rest) != 2 {
			return ctl.Request{}, fmt.Errorf("migrate requires <tlv-hex> <delay-seconds>")
		}
		delay, err := strconv.ParseUint(rest[1], 10, 32)
		if err != nil {
			return ctl.Request{}, fmt.Errorf("bad delay %q: %w", rest[1], err)
		}
		return ctl.Request{Verb: verb, DatasetHex: rest[0], DelaySeconds: uint32(delay)}, nil

	case ctl.VerbForceStopDaemon:
		enabled, err := parseToggle(rest)
		if err != nil {
			return ctl.Request{}, fmt.Errorf("force-stop-daemon: %w", err)
		}
		return ctl.Request{Verb: verb, Enabled: enabled}, nil

	case ctl.VerbForceCountryCode:
		enabled, err := parseToggle(rest[:min(len(rest), 1)])
		if err != nil {
			return ctl.Request{}, fmt.Errorf("force-country-code: %w", err)
		}
		req := ctl.Request{Verb: verb, Enabled: enabled}
		if enabled {
			if len(rest) != 2 {
				return ctl.Request{}, fmt.Errorf("force-country-code enabled requires <CC>")
			}
			req.CountryCode = rest[1]
		} else if len(rest) != 1 {
			return ctl.Request{}, fmt.Errorf("force-country-code disabled takes no further arguments")
		}
		return req, nil

	default:
		return ctl.Request{}, fmt.Errorf("unknown command %q", verb)
	}
}

func parseToggle(args []string) (bool, error) {
	if len(args) < 1 {
		return false, fmt.Errorf("requires enabled|disabled")
	}
	switch args[0] {
	case "enabled":
		return true, nil
	case "disabled":
		return false, nil
	default:
		return false, fmt.Errorf("expected enabled|disabled, got %q", args[0])
	}
}

func printResult(verb string, resp ctl.Response) {
	switch verb {
	case ctl.VerbGetCountryCode:
		var result ctl.CountryCodeResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			fatal(err)
		}
		source := "default"
		if result.Overridden {
			source = "forced"
		}
		fmt.Printf("%s (%s)\n", result.CountryCode, source)
	case ctl.VerbGetChannelMasks:
		var result ctl.ChannelMasksResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			fatal(err)
		}
		fmt.Printf("supported: 0x%08x\npreferred: 0x%08x\n", result.SupportedMask, result.PreferredMask)
	default:
		fmt.Println("ok")
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
