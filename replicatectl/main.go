package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/docopt/docopt-go"

	"github.com/bringyour/replicate"
)

const ReplicateCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Replicate control.

Usage:
    replicatectl demo [--observer_count=<observer_count>]
        [--interval_ms=<interval_ms>]
    replicatectl serve --port=<port> [--interval_ms=<interval_ms>]
    replicatectl watch --url=<url> [--jwt=<jwt>]

Options:
    -h --help                          Show this screen.
    --version                          Show version.
    --observer_count=<observer_count>  Number of in-process observers [default: 2].
    --interval_ms=<interval_ms>        Mutation interval [default: 1000].
    --port=<port>                      Listen port.
    --url=<url>                        Server websocket url, e.g. ws://localhost:8080
    --jwt=<jwt>                        Observer JWT with a client_id claim.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ReplicateCtlVersion)
	if err != nil {
		panic(err)
	}

	if demo_, _ := opts.Bool("demo"); demo_ {
		demo(opts)
	} else if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

// runs an authority and observers coupled in process, printing the
// observer side changes
func demo(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	observerCount := intOpt(opts, "--observer_count", 2)
	interval := time.Duration(intOpt(opts, "--interval_ms", 1000)) * time.Millisecond

	transport := replicate.NewLocalTransportWithDefaults()
	authorityRegistry := replicate.NewAuthorityRegistryWithDefaults(ctx, transport)
	defer authorityRegistry.Close()
	transport.SetInitialDataFunction(authorityRegistry.HandleInitialDataRequest)

	goldPath := replicate.RequirePath("gold")
	for i := 0; i < observerCount; i += 1 {
		i := i
		clientId := replicate.NewId()
		registry := replicate.NewReplicaRegistry(ctx)
		defer registry.Close()
		transport.Connect(clientId, registry)
		registry.OnNodeOfClassCreated("demo", func(node *replicate.ReplicaNode) {
			Out.Printf("observer[%d] node %s created\n", i, node.NodeId())
			node.AddChangeCallback(goldPath, func(oldValue any, newValue any) {
				Out.Printf("observer[%d] gold %v -> %v\n", i, oldValue, newValue)
			})
		})
		transport.RequestInitialData(clientId)
	}

	nodeId := replicate.NewNodeToken("demo")
	_, err := authorityRegistry.CreateNode(
		nodeId,
		map[string]any{"gold": 0},
		replicate.ScopeAll(),
	)
	if err != nil {
		panic(err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
				authorityRegistry.PatchNode(nodeId, replicate.IncrementOp(goldPath, 1))
			}
		}
	}()

	waitForInterrupt()
}

// runs a websocket authority that any number of observers can watch
func serve(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port := intOpt(opts, "--port", 8080)
	interval := time.Duration(intOpt(opts, "--interval_ms", 1000)) * time.Millisecond

	server := replicate.NewReplicationServerWithDefaults(ctx)
	defer server.Close()
	authorityRegistry := replicate.NewAuthorityRegistryWithDefaults(ctx, server)
	defer authorityRegistry.Close()
	server.SetInitialDataFunction(authorityRegistry.HandleInitialDataRequest)

	nodeId := replicate.NewNodeToken("demo")
	_, err := authorityRegistry.CreateNode(
		nodeId,
		map[string]any{"gold": 0},
		replicate.ScopeAll(),
	)
	if err != nil {
		panic(err)
	}

	go func() {
		goldPath := replicate.RequirePath("gold")
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
				authorityRegistry.PatchNode(nodeId, replicate.IncrementOp(goldPath, 1))
			}
		}
	}()

	Out.Printf("listening on :%d\n", port)
	Err.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", port), server))
}

// connects as an observer and prints every change
func watch(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, _ := opts.String("--url")
	byJwt, _ := opts.String("--jwt")
	if byJwt == "" {
		byJwt = newObserverJwt()
	}

	registry := replicate.NewReplicaRegistry(ctx)
	defer registry.Close()

	registry.OnNodeOfClassCreated("", func(node *replicate.ReplicaNode) {
		Out.Printf("node %s created @%d %v\n", node.NodeId(), node.Version(), node.State())
		node.AddAnyChangeCallback(func(version uint64) {
			Out.Printf("node %s @%d %v\n", node.NodeId(), version, node.State())
		})
	})

	client := replicate.NewReplicationClientWithDefaults(
		ctx,
		url,
		&replicate.ClientAuth{
			ByJwt:      byJwt,
			AppVersion: ReplicateCtlVersion,
		},
		registry,
	)
	defer client.Close()

	// give the connect a moment, then bootstrap
	time.Sleep(1 * time.Second)
	messages, err := client.RequestInitialData(ctx)
	if err != nil {
		Err.Fatalf("initial data error = %s", err)
	}
	Out.Printf("bootstrapped %d nodes\n", len(messages))

	waitForInterrupt()
}

func newObserverJwt() string {
	clientId := replicate.NewId()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"client_id": clientId.String(),
	})
	byJwt, err := token.SignedString([]byte("replicatectl"))
	if err != nil {
		panic(err)
	}
	return byJwt
}

func intOpt(opts docopt.Opts, name string, defaultValue int) int {
	if value, err := opts.String(name); err == nil && value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func waitForInterrupt() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}
