package cli

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"midas.oar.dev/api"
	"midas.oar.dev/common"
	"midas.oar.dev/config"
	"midas.oar.dev/dbio"
	"midas.oar.dev/describe"
	"midas.oar.dev/resolve"
)

var resolverCmd = &cobra.Command{
	Use:   "resolver",
	Short: "Run the public identifier resolver",
	Long: `resolver runs the public read path: PDR identifiers (with their
version and component sub-forms) resolve to JSON, HTML, or text
renderings of the published metadata, backed by the RMM service and the
local oversized-record cache.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runResolver(cfg)
	},
}

func init() {
	RootCmd.AddCommand(resolverCmd)
}

func buildMetadataSource(cfg *config.Config) (resolve.MetadataSource, error) {
	if cfg.Resolver.RMMBaseURL == "" {
		return nil, dbio.ConfigError("resolver.rmm_base_url is required")
	}
	rmm := describe.NewRMMClient(cfg.Resolver.RMMBaseURL, cfg.Resolver.RMMTimeout)

	var alt *describe.AltBigClient
	if cfg.Resolver.AltCacheDir != "" {
		var err error
		if alt, err = describe.NewAltBigClient(cfg.Resolver.AltCacheDir); err != nil {
			return nil, err
		}
	}
	hybrid := describe.NewMetadataClient(rmm, alt)

	if cfg.Resolver.UseRedisCache {
		return describe.NewCachingMetadataClient(hybrid, cfg.Resolver.RedisCache), nil
	}
	return hybrid, nil
}

func runResolver(cfg *config.Config) error {
	source, err := buildMetadataSource(cfg)
	if err != nil {
		return err
	}
	resolver := resolve.NewResolver(resolve.Config{
		DefaultNAAN: cfg.Resolver.NAAN,
		BaseURL:     cfg.Resolver.BaseURL,
	}, source, nil)

	var aip *resolve.AIPResolver
	if cfg.Resolver.DistribURL != "" {
		aip = resolve.NewAIPResolver(
			resolve.NewDistribClient(cfg.Resolver.DistribURL, cfg.Resolver.RMMTimeout))
	} else {
		common.Logger.Info("no distribution service configured; /aip endpoints disabled")
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	api.SetupResolverRoutes(e, api.NewResolverHandlers(resolver, aip))

	return runServer(e, cfg)
}
