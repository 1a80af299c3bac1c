package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ohler55/ojg/oj"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var metricsAddr string

func init() {
	mcpCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve plan execution as an MCP tool over stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := prometheus.NewRegistry()
		eng, err := newEngine(configPath, logLevel, reg)
		if err != nil {
			return err
		}
		defer func() { _ = eng.Close() }()

		if metricsAddr != "" {
			srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					eng.log.Error("metrics server stopped", "addr", metricsAddr, "err", err)
				}
			}()
			defer func() { _ = srv.Close() }()
		}

		return server.ServeStdio(newMCPServer(eng))
	},
}

func newMCPServer(eng *engine) *server.MCPServer {
	s := server.NewMCPServer("relexec", "0.1.0", server.WithToolCapabilities(false))

	tool := mcp.NewTool("execute_plan",
		mcp.WithDescription("Execute a JSON execution plan against the configured databases and return the result as JSON."),
		mcp.WithString("plan", mcp.Required(), mcp.Description("The execution plan, as JSON")),
		mcp.WithString("select", mcp.Description("Optional JSONPath applied to the result")),
	)
	s.AddTool(tool, executePlanHandler(eng))
	return s
}

func executePlanHandler(eng *engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		plan, err := req.RequireString("plan")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out, err := eng.run(ctx, []byte(plan), req.GetString("select", ""))
		if err != nil {
			eng.log.WarnContext(ctx, "execute_plan failed", slog.String("err", err.Error()))
			return mcp.NewToolResultError(fmt.Sprintf("execute plan: %v", err)), nil
		}
		return mcp.NewToolResultText(oj.JSON(out, 2)), nil
	}
}
