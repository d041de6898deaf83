package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/shellgo/internal/assets"
	"github.com/ehrlich-b/shellgo/internal/dispatcher"
	"github.com/ehrlich-b/shellgo/internal/httpconn"
	"github.com/ehrlich-b/shellgo/internal/launcher"
	"github.com/ehrlich-b/shellgo/internal/logging"
	"github.com/ehrlich-b/shellgo/internal/svcconfig"
)

var version = "dev"

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "shellgo",
		Short:   "serves interactive terminals to a browser over HTTP",
		Version: version,
		RunE:    run,
	}

	cmd.Flags().Int("port", 4200, "listen port")
	cmd.Flags().Bool("localhost-only", false, "bind the loopback interface only")
	cmd.Flags().String("cert", "", "directory containing server.crt/server.key")
	cmd.Flags().Int("cert-fd", -1, "read a combined cert+key PEM from this inherited fd")
	cmd.Flags().Bool("disable-ssl", false, "serve plaintext HTTP only")
	cmd.Flags().Bool("disable-ssl-menu", false, "hide the plain/secure link in the bootstrap page")
	cmd.Flags().String("cgi", "", "bind one port (optional MIN-MAX range), print a CGI Location redirect to it, serve exactly one session and exit")
	cmd.Flags().Lookup("cgi").NoOptDefVal = "-"
	cmd.Flags().String("background", "", "daemonize; optional pidfile path")
	cmd.Flags().Lookup("background").NoOptDefVal = "-"
	cmd.Flags().String("pidfile", "", "write the server PID to this file")
	cmd.Flags().String("user", "", "drop privileges to this user after launcher fork")
	cmd.Flags().String("group", "", "drop privileges to this group after launcher fork")
	cmd.Flags().Bool("numeric", false, "treat --user/--group as numeric IDs only")
	cmd.Flags().Bool("no-beep", false, "suppress the terminal bell")
	cmd.Flags().String("linkify", "normal", "none|normal|aggressive URL linkification in the client")
	cmd.Flags().StringArray("service", nil, "service SPEC, repeatable (/<path>:APP)")
	cmd.Flags().StringArray("static-file", nil, "URL:FILE static asset override, repeatable")
	cmd.Flags().String("css", "", "replacement stylesheet")
	cmd.Flags().StringArray("user-css", nil, "additional selectable stylesheet, repeatable")
	cmd.Flags().String("config", "", "shellgo.yaml path; only its services list is used")
	cmd.Flags().Bool("debug", false, "debug logging")
	cmd.Flags().BoolP("quiet", "q", false, "error-only logging")
	cmd.Flags().Bool("verbose", false, "info logging (default)")

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	if bg, _ := flags.GetString("background"); flags.Changed("background") {
		return daemonize(bg)
	}

	level := "info"
	if v, _ := flags.GetBool("debug"); v {
		level = "debug"
	} else if v, _ := flags.GetBool("quiet"); v {
		level = "error"
	}
	log, err := logging.New(logging.Options{Level: level})
	if err != nil {
		return err
	}

	cfgPath, _ := flags.GetString("config")
	fileCfg, err := svcconfig.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	services, err := resolveServices(flags, fileCfg)
	if err != nil {
		return err
	}
	if len(services) == 0 {
		return fmt.Errorf("no services configured: pass --service or list one in --config")
	}

	if ran, err := launcher.RunFromEnv(services, log); ran {
		return err
	}

	client, launcherCmd, err := launcher.Spawn(services, log)
	if err != nil {
		return fmt.Errorf("spawn launcher: %w", err)
	}
	defer client.Close()
	defer launcherCmd.Process.Kill()

	if err := dropPrivileges(flags); err != nil {
		return fmt.Errorf("drop privileges: %w", err)
	}

	el, err := newEventLoop(log)
	if err != nil {
		return err
	}
	defer el.Close()

	disableSSL, _ := flags.GetBool("disable-ssl")
	tlsCfg, err := buildTLSConfig(flags, disableSSL)
	if err != nil {
		return fmt.Errorf("tls config: %w", err)
	}

	disableSSLMenu, _ := flags.GetBool("disable-ssl-menu")
	noBeep, _ := flags.GetBool("no-beep")
	linkify, _ := flags.GetString("linkify")
	assetSrv := assets.New(assets.Prelude{
		ServerSupportsSSL: tlsCfg != nil,
		DisableSSLMenu:    disableSSLMenu,
		SuppressAllAudio:  noBeep,
		Linkify:           linkify,
	})

	isCGI := flags.Changed("cgi")

	dispCfg := dispatcher.Config{
		Loop:     el,
		Services: services,
		Launcher: client,
		Assets:   assetSrv,
		Log:      log,
	}
	if isCGI {
		key, err := cgiSessionKey()
		if err != nil {
			return err
		}
		dispCfg.CGIKey = key
	}
	disp := dispatcher.New(dispCfg)

	if err := wireOverrides(disp, flags, assetSrv); err != nil {
		return err
	}

	if isCGI {
		cgiRange, _ := flags.GetString("cgi")
		return runCGI(el, disp, log, cgiRange)
	}

	port, _ := flags.GetInt("port")
	localhostOnly, _ := flags.GetBool("localhost-only")
	listenFD, err := listenTCP(port, localhostOnly)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer unix.Close(listenFD)

	if pidfile, _ := flags.GetString("pidfile"); pidfile != "" {
		if err := writePidfile(pidfile, os.Getpid()); err != nil {
			return err
		}
		defer os.Remove(pidfile)
	}

	if _, err := el.RegisterListener(listenFD, acceptFunc(listenFD), func(fd int) {
		if _, err := httpconn.New(el, fd, httpconn.Config{
			Handler:        disp,
			TLSConfig:      tlsCfg,
			IdleSeconds:    600,
			MaxHeaderBytes: httpconn.DefaultMaxHeaderBytes,
			Log:            log,
		}); err != nil {
			log.Warn("accept: register connection failed", "err", err)
			unix.Close(fd)
		}
	}); err != nil {
		return fmt.Errorf("register listener: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM, unix.SIGHUP, unix.SIGQUIT)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		el.Exit(true)
	}()

	log.Info("shellgo listening", "port", port, "tls", tlsCfg != nil)
	el.Run()
	return nil
}

// resolveServices merges --service flags (highest precedence) with the
// config file's service list.
func resolveServices(flags *pflag.FlagSet, fileCfg *svcconfig.DaemonConfig) ([]*svcconfig.Service, error) {
	var services []*svcconfig.Service
	specs, _ := flags.GetStringArray("service")
	for _, spec := range specs {
		svc, err := svcconfig.ParseSpec(spec)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	services = append(services, fileCfg.Services...)
	return services, nil
}
