// Command martec-compiler runs the compile service: it hands out build
// workspaces, runs the containerized build on request and keeps the
// workspace root within its retention bounds.
package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/mattjoyce/martec-compiler/internal/config"
)

// Set by -ldflags at release time.
var (
	version = "dev"
	commit  = "none"
)

// Global is passed to every command's Run method.
type Global struct {
	Out io.Writer
}

// CLI is the root command line.
type CLI struct {
	Config  string           `short:"c" help:"Settings file (default $MARTEC_ROOTDIR/settings.yml)" type:"path"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the compile service"`
	Check   CheckCmd   `cmd:"" help:"Validate settings and print the effective retention policy"`
	Release VersionCmd `cmd:"" name:"version" help:"Print version information"`
}

// SettingsPath resolves --config against $MARTEC_ROOTDIR.
func (c *CLI) SettingsPath() string {
	if c.Config != "" {
		return c.Config
	}
	return config.DefaultPath()
}

// VersionCmd prints build information.
type VersionCmd struct{}

func (v *VersionCmd) Run(g *Global, _ *CLI) error {
	_, err := fmt.Fprintf(g.Out, "martec-compiler %s (%s)\n", version, commit)
	return err
}

func main() {
	// A missing .env is normal; anything else is worth a warning.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("martec-compiler"),
		kong.Description("Compile service for uploaded martesim projects."),
		kong.UsageOnError(),
		kong.Vars{"version": fmt.Sprintf("%s (%s)", version, commit)},
	)
	err := ctx.Run(&Global{Out: os.Stdout}, &cli)
	ctx.FatalIfErrorf(err)
}
