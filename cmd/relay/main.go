package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/relay/internal/assemble"
	"github.com/rakunlabs/relay/internal/cluster"
	"github.com/rakunlabs/relay/internal/configcompile"
	"github.com/rakunlabs/relay/internal/credential"
	"github.com/rakunlabs/relay/internal/crypto"
	"github.com/rakunlabs/relay/internal/httpgateway"
	"github.com/rakunlabs/relay/internal/observability"
	"github.com/rakunlabs/relay/internal/pipeline"
	"github.com/rakunlabs/relay/internal/relayconfig"
	"github.com/rakunlabs/relay/internal/routercompile"
	"github.com/rakunlabs/relay/internal/routing"
	"github.com/rakunlabs/relay/internal/stage/compat"
	"github.com/rakunlabs/relay/internal/stage/protocol"
	"github.com/rakunlabs/relay/internal/stage/server"
	"github.com/rakunlabs/relay/internal/stage/transformer"
)

var (
	name    = "relay"
	version = "v0.0.0"
)

// Exit codes (§6): 0 normal, 2 config error, 3 assembly error (no
// runnable pipelines), 4 listener bind error.
const (
	exitConfigError   = 2
	exitAssemblyError = 3
	exitListenerError = 4
)

func main() {
	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	configPath := os.Getenv("RELAY_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	credentialsDir := os.Getenv("RELAY_CREDENTIALS_DIR")
	if credentialsDir == "" {
		credentialsDir = "credentials"
	}

	doc, err := relayconfig.Load(ctx, configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(exitConfigError)
	}

	credStore := credential.NewStore(credentialsDir)
	if passphrase := os.Getenv("RELAY_CREDENTIALS_KEY"); passphrase != "" {
		key, err := crypto.DeriveKey(passphrase)
		if err != nil {
			slog.Error("failed to derive credentials encryption key", "error", err)
			os.Exit(exitConfigError)
		}
		credStore = credential.NewStoreWithKey(credentialsDir, key)
	}

	table, err := configcompile.Compile(doc, configPath, "yaml", credStore, time.Now)
	if err != nil {
		slog.Error("failed to compile configuration", "error", err)
		os.Exit(exitConfigError)
	}

	compiled, err := routercompile.Compile(table)
	if err != nil {
		slog.Error("failed to compile routing table", "error", err)
		os.Exit(exitConfigError)
	}
	for _, warning := range compiled.Warnings {
		slog.Warn("router compiler warning", "warning", warning)
	}

	var observer pipeline.Observer
	port, _ := strconv.Atoi(table.Server.Port)
	sink, err := observability.NewSink(debugDir(), port, newSessionID())
	if err != nil {
		slog.Error("failed to initialize observability sink", "error", err)
	} else {
		observer = sink
	}

	mgr := pipeline.NewManager(observer, 60*time.Second)

	credMgr := credential.NewManager(mgr, &credential.CopilotRefresher{}, nil)
	for _, p := range table.Providers {
		if p.CredentialRef == "" {
			continue
		}
		cred, err := credStore.Load(p.CredentialRef)
		if err != nil {
			slog.Error("failed to load credential", "ref", p.CredentialRef, "error", err)
			os.Exit(exitConfigError)
		}
		cred.Provider = p.Name
		credMgr.Register(cred)
	}
	for _, pc := range compiled.Pipelines {
		if pc.CredentialRef != "" {
			credMgr.Bind(pc.CredentialRef, pc.PipelineID)
		}
	}
	mgr.SetAuthNotifier(credMgr)

	if doc.Cluster != nil {
		clus, err := cluster.New(doc.Cluster)
		if err != nil {
			slog.Error("failed to start cluster coordination", "error", err)
		} else {
			go func() {
				if err := clus.Start(ctx, credMgr.MarkInvalidFromPeer); err != nil {
					slog.Error("cluster coordination stopped", "error", err)
				}
			}()
			credMgr.SetBroadcaster(clus)
			defer clus.Stop()
		}
	}

	registry := assemble.NewRegistry()
	registry.Register("transformer", "", transformer.New)
	registry.Register("protocol", "", protocol.NewFactory(credMgr))
	registry.Register("server", "", server.NewFactory(credMgr))
	for _, profile := range []string{compat.ProfileOpenAIGeneric, compat.ProfileLMStudio, compat.ProfileQwen, compat.ProfileIFlow} {
		registry.Register("server-compatibility", profile, compat.NewFactory(credMgr))
	}

	assembler := assemble.NewAssembler(registry)
	result, err := assembler.Assemble(ctx, compiled.Pipelines, mgr)
	if err != nil {
		slog.Error("pipeline assembly failed", "error", err)
		os.Exit(exitAssemblyError)
	}
	for _, failed := range result.Errors {
		slog.Error("pipeline failed to assemble", "pipelineId", failed.PipelineID, "error", failed.Err)
	}
	if result.Stats.AssembledPipelines == 0 {
		slog.Error("no runnable pipelines after assembly")
		os.Exit(exitAssemblyError)
	}
	slog.Info("pipelines assembled", "assembled", result.Stats.AssembledPipelines, "failed", result.Stats.FailedPipelines)

	selfCheck := credential.NewSelfCheck(credMgr, 30*time.Second, credentialRefs(table.Providers))
	go selfCheck.Run(ctx)

	addr := net.JoinHostPort(table.Server.Host, table.Server.Port)
	gw := httpgateway.New(mgr, "", addr, name)

	slog.Info("relay listening", "addr", addr)
	if err := gw.Start(ctx); err != nil {
		slog.Error("listener failed to bind or serve", "addr", addr, "error", err)
		os.Exit(exitListenerError)
	}

	return nil
}

func credentialRefs(providers []routing.Provider) []string {
	seen := make(map[string]struct{}, len(providers))
	var refs []string
	for _, p := range providers {
		if p.CredentialRef == "" {
			continue
		}
		if _, ok := seen[p.CredentialRef]; ok {
			continue
		}
		seen[p.CredentialRef] = struct{}{}
		refs = append(refs, p.CredentialRef)
	}
	return refs
}

func debugDir() string {
	if dir := os.Getenv("RELAY_DEBUG_DIR"); dir != "" {
		return dir
	}
	return "debug"
}

func newSessionID() string {
	return fmt.Sprintf("session-%d", time.Now().UnixNano())
}
