package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"bringyour.com/erpclient/config"
	"bringyour.com/erpclient/mainloop"
	"bringyour.com/erpclient/model"
	"bringyour.com/erpclient/rpc"
	"bringyour.com/erpclient/screen"
)

const ErpCtlVersion = "0.0.1"

const DefaultConfigPath = "erpclient.yml"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`ERP client control.

The profile is read from %s unless --config is given, then overridden by
ERPCLIENT_SERVER, ERPCLIENT_DATABASE, ERPCLIENT_USERNAME, ERPCLIENT_PASSWORD and ERPCLIENT_DEV
from the environment or a .env file.

Usage:
    erpctl version [--config=<config>] [--server=<server>]
    erpctl databases [--config=<config>] [--server=<server>]
    erpctl call [--config=<config>] <method> [<args>]
    erpctl search [--config=<config>] <model>
        [--fields=<fields>]
        [--domain=<domain>]
        [--offset=<offset>]
        [--limit=<limit>]
    erpctl listen [--config=<config>] [--message_count=<message_count>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --config=<config>                The profile file.
    --server=<server>                Overrides the profile server.
    --fields=<fields>                Comma separated fields [default: rec_name].
    --domain=<domain>                A JSON domain, e.g. [["name", "ilike", "%%a%%"]].
    --offset=<offset>                The first record [default: 0].
    --limit=<limit>                  The page size, the profile limit when missing.
    --message_count=<message_count>  Print this many messages then exit.`,
		DefaultConfigPath,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ErpCtlVersion)
	if err != nil {
		panic(err)
	}

	if version_, _ := opts.Bool("version"); version_ {
		version(opts)
	} else if databases_, _ := opts.Bool("databases"); databases_ {
		databases(opts)
	} else if call_, _ := opts.Bool("call"); call_ {
		call(opts)
	} else if search_, _ := opts.Bool("search"); search_ {
		search(opts)
	} else if listen_, _ := opts.Bool("listen"); listen_ {
		listen(opts)
	}
}

func loadProfile(opts docopt.Opts) *config.Profile {
	configPath := DefaultConfigPath
	if configPathAny := opts["--config"]; configPathAny != nil {
		configPath = configPathAny.(string)
	}
	profile, err := config.Load(configPath, ".env")
	if err != nil {
		Err.Fatalf("%s", err)
	}
	if serverAny := opts["--server"]; serverAny != nil {
		profile.Server = serverAny.(string)
	}
	if profile.Server == "" {
		Err.Fatalf("No server. Set `server` in the profile or %s.", config.EnvServer)
	}
	return profile
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func version(opts docopt.Opts) {
	profile := loadProfile(opts)
	ctx, cancel := signalContext()
	defer cancel()

	client := rpc.NewClient(ctx, nil, profile.ClientSettings())
	defer client.Close()

	serverVersion, err := client.ServerVersion(ctx, profile.Server)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("erpctl %s\n", ErpCtlVersion)
	Out.Printf("server %s\n", serverVersion)
}

func databases(opts docopt.Opts) {
	profile := loadProfile(opts)
	ctx, cancel := signalContext()
	defer cancel()

	client := rpc.NewClient(ctx, nil, profile.ClientSettings())
	defer client.Close()

	dbs, err := client.DbList(ctx, profile.Server)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	if len(dbs) == 0 {
		Out.Printf("(database listing is disabled or empty)\n")
	}
	for _, db := range dbs {
		Out.Printf("%s\n", db)
	}
}

// logs in with the profile, prompting for a missing password
func login(ctx context.Context, client *rpc.Client, profile *config.Profile) *rpc.Session {
	if profile.Username == "" {
		Err.Fatalf("No username. Set `username` in the profile or %s.", config.EnvUsername)
	}
	if profile.Password == "" {
		fmt.Printf("Password for %s@%s: ", profile.Username, profile.Server)
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		profile.Password = string(passwordBytes)
		fmt.Printf("\n")
	}

	session, err := client.Login(ctx, profile.Credentials())
	if err != nil {
		Err.Fatalf("%s", err)
	}
	return session
}

func call(opts docopt.Opts) {
	profile := loadProfile(opts)
	ctx, cancel := signalContext()
	defer cancel()

	method, _ := opts.String("<method>")
	args := []any{}
	if argsJson, err := opts.String("<args>"); err == nil && argsJson != "" {
		decoder := json.NewDecoder(strings.NewReader(argsJson))
		decoder.UseNumber()
		if err := decoder.Decode(&args); err != nil {
			Err.Fatalf("<args> must be a JSON array: %s", err)
		}
	}

	loop := mainloop.NewLoopWithDefaults(ctx)
	defer loop.Close()
	client := rpc.NewClient(ctx, loop, profile.ClientSettings())
	defer client.Close()
	login(ctx, client, profile)
	defer client.Logout(ctx)

	done := false
	var result json.RawMessage
	var callErr error
	// the context is always the last argument
	args = append(args, client.Context())
	rpc.ExecuteAsync[json.RawMessage](
		ctx,
		client,
		loop,
		rpc.NewApiCallback[json.RawMessage](func(callResult json.RawMessage, err error) {
			result = callResult
			callErr = err
			done = true
		}),
		method,
		args...,
	)
	if !loop.RunUntil(ctx, func() bool { return done }) {
		Err.Fatalf("interrupted")
	}
	if callErr != nil {
		Err.Fatalf("%s", callErr)
	}
	var indented bytes.Buffer
	if err := json.Indent(&indented, result, "", "    "); err != nil {
		Out.Printf("%s\n", result)
		return
	}
	Out.Printf("%s\n", indented.String())
}

func search(opts docopt.Opts) {
	profile := loadProfile(opts)
	ctx, cancel := signalContext()
	defer cancel()

	modelName, _ := opts.String("<model>")
	fieldsStr, _ := opts.String("--fields")
	fields := []string{}
	for _, field := range strings.Split(fieldsStr, ",") {
		if field = strings.TrimSpace(field); field != "" {
			fields = append(fields, field)
		}
	}
	var domain []any
	if domainJson, err := opts.String("--domain"); err == nil && domainJson != "" {
		decoder := json.NewDecoder(strings.NewReader(domainJson))
		decoder.UseNumber()
		if err := decoder.Decode(&domain); err != nil {
			Err.Fatalf("--domain must be a JSON list: %s", err)
		}
	}
	offset, _ := opts.Int("--offset")
	screenSettings := profile.ScreenSettings()
	if limit, err := opts.Int("--limit"); err == nil {
		screenSettings.Limit = limit
	}

	loop := mainloop.NewLoopWithDefaults(ctx)
	defer loop.Close()
	client := rpc.NewClient(ctx, loop, profile.ClientSettings())
	defer client.Close()
	login(ctx, client, profile)
	defer client.Logout(ctx)

	definitions, err := model.FieldsGet(ctx, client, modelName, client.Context())
	if err != nil {
		Err.Fatalf("%s", err)
	}
	for _, field := range fields {
		if _, ok := definitions[field]; !ok {
			Err.Fatalf("%s has no field %q", modelName, field)
		}
	}

	view := newTextView(fields, definitions)
	s := screen.NewScreen(client, modelName, definitions, client.Context(), screenSettings)
	defer s.Close()
	s.AddView(view)
	s.SetDomain(domain)
	s.SetOffset(offset)
	s.SetDispatcher(loop)

	done := false
	var searchErr error
	var n int
	loop.Post(func() {
		s.SearchFilterAsync(ctx, "", func(searchN int, err error) {
			n = searchN
			searchErr = err
			done = true
		})
	})
	if !loop.RunUntil(ctx, func() bool { return done }) {
		Err.Fatalf("interrupted")
	}
	if searchErr != nil {
		Err.Fatalf("%s", searchErr)
	}

	footer := fmt.Sprintf("%d-%d of %d", s.Offset()+min(1, n), s.Offset()+n, s.SearchCount())
	if s.NextEnabled() {
		footer += fmt.Sprintf(" (next: --offset=%d)", s.Offset()+s.Limit())
	}
	Out.Printf("%s\n", view.Render(footer))
}

func listen(opts docopt.Opts) {
	profile := loadProfile(opts)
	ctx, cancel := signalContext()
	defer cancel()

	messageCount := -1
	if messageCountAny := opts["--message_count"]; messageCountAny != nil {
		messageCount, _ = opts.Int("--message_count")
	}

	loop := mainloop.NewLoopWithDefaults(ctx)
	defer loop.Close()
	client := rpc.NewClient(ctx, loop, profile.ClientSettings())
	defer client.Close()

	received := 0
	client.AddBusHandler(func(message *rpc.BusMessage) {
		messageBytes, err := json.Marshal(message.Values)
		if err != nil {
			Err.Printf("%s", err)
			return
		}
		Out.Printf("[%s] %s\n", message.Type, messageBytes)
		received += 1
	})

	// bus state changes go to the log
	busLog := rpc.LogFn("[erpctl]bus")
	go func() {
		for {
			notify := client.BusStateNotify()
			busLog("state %s", client.BusState())
			select {
			case <-ctx.Done():
				return
			case <-notify:
			}
		}
	}()

	session := login(ctx, client, profile)
	defer client.Logout(context.Background())
	Out.Printf("listening on %s as %s\n", strings.Join(client.Channels(), ","), session)

	loop.RunUntil(ctx, func() bool {
		return 0 <= messageCount && messageCount <= received
	})
}
