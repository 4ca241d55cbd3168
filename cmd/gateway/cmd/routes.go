package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/labforge/gateway/internal/adapter/inbound/httpgw"
	"github.com/labforge/gateway/internal/config"
)

// routeView is the YAML shape of one route in the dump.
type routeView struct {
	Name          string `yaml:"name"`
	PathPrefix    string `yaml:"path_prefix"`
	Upstream      string `yaml:"upstream"`
	RewritePrefix string `yaml:"rewrite_prefix,omitempty"`
	Streaming     bool   `yaml:"streaming,omitempty"`
	WebSocket     bool   `yaml:"websocket,omitempty"`
	DropCookies   bool   `yaml:"drop_cookies,omitempty"`
	CSRFExempt    bool   `yaml:"csrf_exempt,omitempty"`
	RefreshAuth   bool   `yaml:"refresh_auth,omitempty"`
	ResolveRole   bool   `yaml:"resolve_role,omitempty"`
}

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the proxy route table",
	Long: `Print the proxy route table derived from the loaded configuration,
in matching order, as YAML. Useful for verifying which upstream a path
will be forwarded to.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfigRaw()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if devMode {
			cfg.DevMode = true
		}
		cfg.SetDevDefaults()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("config validation failed: %w", err)
		}

		table := httpgw.BuildRouteTable(cfg)
		views := make([]routeView, 0, len(table.Routes()))
		for _, rt := range table.Routes() {
			views = append(views, routeView{
				Name:          rt.Name,
				PathPrefix:    rt.PathPrefix,
				Upstream:      rt.Upstream,
				RewritePrefix: rt.RewritePrefix,
				Streaming:     rt.Streaming,
				WebSocket:     rt.WebSocket,
				DropCookies:   rt.DropCookies,
				CSRFExempt:    rt.CSRFExempt,
				RefreshAuth:   rt.SynthesizeAuth,
				ResolveRole:   rt.ResolveRole,
			})
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(views)
	},
}

func init() {
	routesCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode defaults")
	rootCmd.AddCommand(routesCmd)
}
