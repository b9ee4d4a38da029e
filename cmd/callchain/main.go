package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc/metadata"

	"github.com/hanpama/callchain/internal/callchain"
	"github.com/hanpama/callchain/internal/callchain/interceptors"
	"github.com/hanpama/callchain/internal/echoserver"
	"github.com/hanpama/callchain/internal/eventbus"
	"github.com/hanpama/callchain/internal/grpctp"
	"github.com/hanpama/callchain/internal/methods"
	"github.com/hanpama/callchain/internal/otel"
)

const rootUsage = `callchain: batched, intercepted gRPC client calls

USAGE:
  callchain <command> [flags]

COMMANDS:
  invoke           Call a method through an interceptor chain
  shapes           Print the batch registries of every call shape
  describe         Print the services of a descriptor set as .proto source
  serve            Run the built-in echo service
  help             Show help for any command
`

const invokeUsage = `invoke FLAGS:
  -method <name>                      Method to call, e.g. callchain.echo.Echo/Say (required)
  -descriptor-set <file>              FileDescriptorSet to resolve the method in
                                      (default: the built-in echo service)
  -data <json>                        Request message as JSON. Repeatable; streaming
                                      methods send one message per flag
  -metadata <key=value>               Request header. Repeatable
  -timeout <duration>                 Call deadline, e.g. 5s (default: none)
  -probe <m1,m2|all>                  Log the named call/listener methods of every link
  -transport.backend <Svc=host:port>  Map gRPC service to endpoint. Repeatable; at least
                                      one mapping required. Use wildcard to set default:
                                        -transport.backend *=host:port
                                      Specific mappings override the wildcard.
  -transport.max-conns-per-endpoint N Max TCP conns per endpoint (default: 2)
  -transport.rpc-timeout <duration>   Default deadline of unary and client-streaming
                                      calls (default: 3s)
  -otel.endpoint <addr>               OTLP collector endpoint
  -otel.service <name>                OpenTelemetry service name (default: callchain)
`

const shapesUsage = `shapes FLAGS:
  (none)
`

const describeUsage = `describe FLAGS:
  -descriptor-set <file>   FileDescriptorSet to print (default: the built-in echo service)
`

const serveUsage = `serve FLAGS:
  -addr <addr>   gRPC listen address (default: :50051)
  -verbose       Log every call
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("callchain", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer)) // silence automatic output
	if err := global.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "invoke":
		return cmdInvoke(cmdArgs)
	case "shapes":
		return cmdShapes(cmdArgs)
	case "describe":
		return cmdDescribe(cmdArgs)
	case "serve":
		return cmdServe(cmdArgs)
	case "help":
		return cmdHelp(cmdArgs)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		fmt.Print(rootUsage)
		return nil
	}
	switch args[0] {
	case "invoke":
		fmt.Print(invokeUsage)
	case "shapes":
		fmt.Print(shapesUsage)
	case "describe":
		fmt.Print(describeUsage)
	case "serve":
		fmt.Print(serveUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type backendFlag struct {
	m map[string][]string
}

func (b *backendFlag) String() string { return "" }

func (b *backendFlag) Set(v string) error {
	parts := strings.SplitN(v, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid backend %q", v)
	}
	svc := strings.TrimSpace(parts[0])
	ep := strings.TrimSpace(parts[1])
	if svc == "" || ep == "" {
		return fmt.Errorf("invalid backend %q", v)
	}
	if b.m == nil {
		b.m = map[string][]string{}
	}
	b.m[svc] = append(b.m[svc], ep)
	return nil
}

type stringListFlag []string

func (s *stringListFlag) String() string { return "" }

func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func loadCatalog(path string) (*methods.Catalog, error) {
	if path == "" {
		return methods.EchoCatalog()
	}
	return methods.LoadDescriptorSet(path)
}

func cmdInvoke(args []string) error {
	method := ""
	descriptorSet := ""
	timeout := time.Duration(0)
	probe := ""
	maxConns := 2
	rpcTimeout := 3 * time.Second
	otelEndpoint := ""
	otelService := "callchain"
	var data, md stringListFlag
	var bf backendFlag

	fs := flag.NewFlagSet("invoke", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&method, "method", method, "Method to call")
	fs.StringVar(&descriptorSet, "descriptor-set", descriptorSet, "FileDescriptorSet file")
	fs.Var(&data, "data", "Request message as JSON")
	fs.Var(&md, "metadata", "Request header")
	fs.DurationVar(&timeout, "timeout", timeout, "Call deadline")
	fs.StringVar(&probe, "probe", probe, "Log call/listener methods")
	fs.Var(&bf, "transport.backend", "Map gRPC service to endpoint")
	fs.IntVar(&maxConns, "transport.max-conns-per-endpoint", maxConns, "Max conns per endpoint")
	fs.DurationVar(&rpcTimeout, "transport.rpc-timeout", rpcTimeout, "RPC timeout")
	fs.StringVar(&otelEndpoint, "otel.endpoint", otelEndpoint, "OTLP collector endpoint")
	fs.StringVar(&otelService, "otel.service", otelService, "OpenTelemetry service name")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, invokeUsage)
		return err
	}
	if method == "" {
		fmt.Fprint(os.Stderr, invokeUsage)
		return fmt.Errorf("-method is required")
	}
	if len(bf.m) == 0 {
		fmt.Fprint(os.Stderr, invokeUsage)
		return fmt.Errorf("no backend mappings provided")
	}

	cat, err := loadCatalog(descriptorSet)
	if err != nil {
		return fmt.Errorf("load descriptors: %w", err)
	}
	m, err := cat.Find(method)
	if err != nil {
		return err
	}
	if !m.Shape.ClientStreams() && len(data) > 1 {
		return fmt.Errorf("%s is %s: takes one -data, got %d", m.FullName, m.Shape, len(data))
	}
	if len(data) == 0 && !m.Shape.ClientStreams() {
		data = append(data, "{}")
	}
	msgs := make([]any, 0, len(data))
	for i, d := range data {
		msg, err := m.ParseInput([]byte(d))
		if err != nil {
			return fmt.Errorf("-data[%d]: %w", i, err)
		}
		msgs = append(msgs, msg)
	}

	var ics []callchain.Interceptor
	if probe != "" {
		var names []string
		if probe != "all" {
			names = strings.Split(probe, ",")
		}
		ic, err := interceptors.Probe(log.New(os.Stderr, "", log.LstdFlags), names...)
		if err != nil {
			return err
		}
		ics = append(ics, ic)
	}
	if len(md) > 0 {
		var kv []string
		for _, p := range md {
			k, v, ok := strings.Cut(p, "=")
			if !ok {
				return fmt.Errorf("invalid metadata %q", p)
			}
			kv = append(kv, strings.TrimSpace(k), strings.TrimSpace(v))
		}
		ic, err := interceptors.Metadata(kv...)
		if err != nil {
			return err
		}
		ics = append(ics, ic)
	}
	if timeout > 0 {
		ics = append(ics, interceptors.Timeout(timeout))
	}

	eventbus.Use(eventbus.New())
	shutdown, err := otel.Setup(otelEndpoint, otelService)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	trOpts := []grpctp.Option{grpctp.WithProvider(grpctp.NewStaticEndpoints(bf.m)), grpctp.WithMaxConnsPerEndpoint(maxConns)}
	if rpcTimeout > 0 {
		trOpts = append(trOpts, grpctp.WithRPCTimeout(rpcTimeout))
	}
	client := grpctp.New(trOpts...)
	defer client.Close()

	ch, err := callchain.NewChannel(client.Factory(), ics...)
	if err != nil {
		return err
	}
	call, err := ch.NewCall(m.Shape, m.CallOptions(context.Background()))
	if err != nil {
		return err
	}

	p := &printer{}
	call.Start(nil, callchain.ListenerHandlers{
		Metadata: p.headers,
		Message:  p.message,
	})
	for _, msg := range msgs {
		call.SendMessage(msg)
	}
	call.HalfClose()
	<-call.Done()

	st := call.Status()
	p.status(st)
	if err := p.failure(); err != nil {
		return err
	}
	return st.Err()
}

// printer writes listener events to stdout. Events of one call may arrive on
// different goroutines.
type printer struct {
	mu  sync.Mutex
	err error
}

func (p *printer) headers(md metadata.MD) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range sortedKeys(md) {
		fmt.Printf("< %s: %s\n", k, strings.Join(md[k], ", "))
	}
}

func (p *printer) message(msg any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	js, err := methods.FormatJSON(msg)
	if err != nil {
		p.err = errors.Join(p.err, err)
		return
	}
	fmt.Println(js)
}

func (p *printer) status(st *callchain.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Printf("status: %s\n", st)
	for _, k := range sortedKeys(st.Metadata) {
		fmt.Printf("< %s: %s\n", k, strings.Join(st.Metadata[k], ", "))
	}
}

func sortedKeys(md metadata.MD) []string {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *printer) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func cmdShapes(args []string) error {
	fs := flag.NewFlagSet("shapes", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, shapesUsage)
		return err
	}
	for _, s := range callchain.Shapes() {
		fmt.Printf("%s:\n", s)
		for _, d := range s.Definitions() {
			fmt.Printf("  %-16s %-8s required=%s trigger=%s\n", d.Name, d.Direction, d.Required, d.Trigger)
		}
	}
	return nil
}

func cmdDescribe(args []string) error {
	descriptorSet := ""
	fs := flag.NewFlagSet("describe", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&descriptorSet, "descriptor-set", descriptorSet, "FileDescriptorSet file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, describeUsage)
		return err
	}
	cat, err := loadCatalog(descriptorSet)
	if err != nil {
		return fmt.Errorf("load descriptors: %w", err)
	}
	for _, m := range cat.Methods() {
		fmt.Printf("// %s %s\n", m.FullName, m.Shape)
	}
	return methods.Render(cat, os.Stdout)
}

func cmdServe(args []string) error {
	addr := ":50051"
	verbose := false
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&addr, "addr", addr, "gRPC listen address")
	fs.BoolVar(&verbose, "verbose", verbose, "Log every call")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, serveUsage)
		return err
	}

	var logger *log.Logger
	if verbose {
		logger = log.Default()
	}
	srv, err := echoserver.New(logger)
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Printf("echo service listening on %s", lis.Addr())
	return srv.GRPCServer().Serve(lis)
}
