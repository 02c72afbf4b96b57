package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/internal/core/services"
	signalclient "rillcall/internal/infrastructure/signal"
	"rillcall/internal/infrastructure/webrtc"
	"rillcall/pkg/config"
	"rillcall/pkg/logger"
	"rillcall/pkg/utils"
)

const usage = `commands:
  users                 list connected peers
  call <id|username>    start a call
  accept | reject       answer an incoming call
  end                   hang up
  record start [audio|video]
  record stop
  state                 show the current call
  quit`

func main() {
	cfg, path, err := config.LoadFirst(config.SearchPaths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config %s: %v\n", path, err)
		os.Exit(1)
	}
	if len(os.Args) > 1 {
		cfg.Client.Username = os.Args[1]
	}
	if cfg.Client.Username == "" {
		fmt.Fprintln(os.Stderr, "usage: callclient <username> (or set RILLCALL_USERNAME)")
		os.Exit(2)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Client.Token == "" {
		token, err := fetchToken(ctx, cfg.Client.ServerURL, cfg.Client.Username)
		if err != nil {
			log.Warnw("could not obtain a token, connecting anonymously", "error", err)
		} else {
			cfg.Client.Token = token
		}
	}

	client, err := signalclient.Dial(ctx, signalclient.ClientConfigFrom(cfg), log.Named("signal"))
	if err != nil {
		log.Fatalw("failed to connect to relay", "url", cfg.Client.ServerURL, "error", err)
	}
	defer client.Close()

	pcs, err := webrtc.NewPeerConnectionFactory(webrtc.PeerConnectionConfigFrom(cfg), log.Named("webrtc"))
	if err != nil {
		log.Fatalw("failed to create peer connection factory", "error", err)
	}

	out := consoleObserver{}
	directory := services.NewDirectory(client, out, log.Named("directory"))
	registry := services.NewRegistry(nil, log.Named("registry"))
	orchestrator := services.NewOrchestrator(client, webrtc.NewDeviceFactory(log.Named("device")), registry, log.Named("sfu"))
	recorder := services.NewRecordingController(client, nil, log.Named("recording"))

	machineCfg := services.DefaultCallMachineConfig()
	machineCfg.Mode = domain.CallMode(cfg.Client.Mode)
	machineCfg.AutoRejectBusy = cfg.Client.AutoRejectBusy
	machine := services.NewCallMachine(machineCfg, services.CallMachineDeps{
		Signaling:       client,
		Media:           webrtc.NewSyntheticSource(log.Named("media")),
		Orchestrator:    orchestrator,
		Recorder:        recorder,
		PeerConnections: pcs,
		Observer:        out,
		Logger:          log.Named("call"),
	})

	if err := directory.Register(ctx, cfg.Client.Username); err != nil {
		log.Fatalw("failed to register", "username", cfg.Client.Username, "error", err)
	}

	fmt.Printf("connected as %s (%s), mode %s\n%s\n", cfg.Client.Username, client.LocalPeerID(), cfg.Client.Mode, usage)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	cli := &console{directory: directory, machine: machine, timeout: cfg.Client.RequestTimeout}
	for {
		select {
		case <-ctx.Done():
			cli.shutdown()
			return
		case line, ok := <-lines:
			if !ok {
				cli.shutdown()
				return
			}
			if !cli.run(ctx, strings.Fields(line)) {
				cli.shutdown()
				return
			}
		}
	}
}

type console struct {
	directory *services.Directory
	machine   *services.CallMachine
	timeout   time.Duration
	recording domain.RecordingID
}

// run executes one command line and reports whether to keep reading.
func (c *console) run(ctx context.Context, args []string) bool {
	if len(args) == 0 {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var err error
	switch args[0] {
	case "users":
		peers := c.directory.Peers()
		if len(peers) == 0 {
			fmt.Println("no other users online")
		}
		for _, u := range peers {
			fmt.Printf("  %s  %s\n", u.ID, utils.TruncateString(u.Username, 32))
		}
	case "call":
		if len(args) < 2 {
			fmt.Println("call <id|username>")
			return true
		}
		target, ok := c.resolve(args[1])
		if !ok {
			fmt.Printf("unknown user %q\n", args[1])
			return true
		}
		err = c.machine.StartCall(ctx, target)
	case "accept":
		err = c.machine.Accept(ctx)
	case "reject":
		err = c.machine.Reject(ctx, domain.RejectDeclined)
	case "end", "hangup":
		err = c.machine.EndCall(ctx)
	case "record":
		err = c.record(ctx, args[1:])
	case "state":
		printSnapshot(c.machine.Snapshot())
	case "quit", "exit":
		return false
	case "help":
		fmt.Println(usage)
	default:
		fmt.Printf("unknown command %q, try help\n", args[0])
	}
	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
	return true
}

func (c *console) record(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("record start|stop")
	}
	switch args[0] {
	case "start":
		kind := domain.MediaKindVideo
		if len(args) > 1 {
			kind = domain.MediaKind(args[1])
		}
		id, err := c.machine.StartRecording(ctx, kind)
		if err != nil {
			return err
		}
		c.recording = id
		fmt.Printf("recording %s started\n", id)
	case "stop":
		if c.recording == "" {
			return fmt.Errorf("no recording in progress")
		}
		path, err := c.machine.StopRecording(ctx, c.recording)
		if err != nil {
			return err
		}
		c.recording = ""
		fmt.Printf("recording saved to %s\n", path)
	default:
		return fmt.Errorf("record start|stop")
	}
	return nil
}

// resolve accepts a peer id or a username from the last user list.
func (c *console) resolve(arg string) (domain.PeerID, bool) {
	if _, ok := c.directory.Lookup(domain.PeerID(arg)); ok {
		return domain.PeerID(arg), true
	}
	for _, u := range c.directory.Peers() {
		if strings.EqualFold(u.Username, arg) {
			return u.ID, true
		}
	}
	return "", false
}

func (c *console) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.machine.Disconnect(ctx); err != nil {
		fmt.Printf("disconnect: %v\n", err)
	}
}

type consoleObserver struct{}

func (consoleObserver) OnCallState(s domain.CallSnapshot) { printSnapshot(s) }

func (consoleObserver) OnUsers(users []domain.User) {
	fmt.Printf("* %d user(s) online\n", len(users))
}

func (consoleObserver) OnRemoteTrack(peerID domain.PeerID, track ports.MediaTrack) {
	fmt.Printf("* receiving %s from %s\n", track.Kind(), peerID)
}

func (consoleObserver) OnError(err error) { fmt.Printf("* error: %v\n", err) }

func printSnapshot(s domain.CallSnapshot) {
	switch s.State {
	case domain.CallStateIdle:
		fmt.Println("* idle")
	case domain.CallStateIncoming:
		fmt.Printf("* incoming call from %s (%s), accept or reject\n", s.RemoteUsername, s.RemotePeerID)
	case domain.CallStateEnded:
		fmt.Printf("* call with %s ended: %s\n", s.RemotePeerID, s.EndReason)
	default:
		fmt.Printf("* %s call with %s (%s)\n", s.State, s.RemotePeerID, s.Mode)
	}
}

// fetchToken asks the relay's HTTP API for a token. The websocket URL is
// mapped onto the same host.
func fetchToken(ctx context.Context, serverURL, username string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/api/v1/token"
	u.RawQuery = ""

	body, err := json.Marshal(map[string]string{"username": username})
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("token endpoint returned %s", resp.Status)
	}

	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

var _ ports.CallObserver = consoleObserver{}
