package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	cfgPath string
	reset   bool

	rootCmd = &cobra.Command{
		Use:   "docqa",
		Short: "Document question answering over an indexed PDF corpus",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (and the MCP server when mcp_addr is set)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}

	buildCmd = &cobra.Command{
		Use:   "build",
		Short: "Index every document in the corpus directory from scratch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				idx, err := a.indexes.BuildFromCorpus(cmd.Context(), a.corpus.Dir())
				if err != nil {
					return err
				}

				fmt.Printf("indexed %d documents (generation %d)\n", len(idx.Documents()), idx.Generation())
				return nil
			})
		},
	}

	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Index new and changed documents and drop removed ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				report, err := a.indexes.Sync(cmd.Context(), a.corpus.Dir())
				if err != nil {
					return err
				}

				fmt.Printf("added %d, removed %d documents\n", len(report.Added), len(report.Removed))
				return nil
			})
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "configuration file (YAML)")
	rootCmd.PersistentFlags().BoolVar(&reset, "reset", false, "unpublish the index and empty the vector store before starting")
	rootCmd.AddCommand(serveCmd, buildCmd, syncCmd)
}

func withApp(run func(a *app) error) error {
	cfg, err := readConfig(cfgPath)
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	a, err := newApp(logger, cfg, reset)
	if err != nil {
		return err
	}
	defer a.Close()

	return run(a)
}

func serve(ctx context.Context) error {
	return withApp(func(a *app) error {
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := a.server()
		addr := ":" + strconv.Itoa(a.cfg.Port)

		var sse *server.SSEServer
		if a.cfg.MCPAddr != "" {
			mcpSrv, err := NewMCPServer(a.tools)
			if err != nil {
				return err
			}
			sse = server.NewSSEServer(mcpSrv, server.WithBaseURL(fmt.Sprintf("http://%s", a.cfg.MCPAddr)))
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			a.log.Info("server is running", "addr", addr)
			return srv.Start(addr)
		})
		if sse != nil {
			g.Go(func() error {
				a.log.Info("mcp server is running", "addr", a.cfg.MCPAddr)
				err := sse.Start(a.cfg.MCPAddr)
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			})
		}
		g.Go(func() error {
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			err := srv.Shutdown(shutdownCtx)
			if sse != nil {
				err = errors.Join(err, sse.Shutdown(shutdownCtx))
			}
			return err
		})

		return g.Wait()
	})
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}
