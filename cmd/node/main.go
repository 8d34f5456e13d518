package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"syscall"

	"golang.org/x/term"

	"github.com/distorage-io/distorage/internal/node/app"
	"github.com/distorage-io/distorage/pkg/membership"
)

func main() {
	var (
		configPath string
		mode       string
		target     string
		secret     string
	)
	flag.StringVar(&configPath, "configPath", "", "Path to configuration file")
	flag.StringVar(&mode, "mode", "discover", "Startup mode: new | discover | connect")
	flag.StringVar(&target, "peer", "", "Admission address of an existing member (connect mode)")
	flag.StringVar(&secret, "secret", "", "Cluster secret (falls back to DISTORAGE_SECRET, then a prompt)")
	flag.Parse()

	if secret == "" {
		secret = os.Getenv("DISTORAGE_SECRET")
	}
	if secret == "" {
		secret = promptSecret()
	}

	application, err := app.New(configPath, app.Options{
		Mode:   membership.Mode(mode),
		Target: target,
		Secret: secret,
	})
	if err != nil {
		log.Fatalf("Failed to initialize app: %v", err)
	}

	if err := application.Run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func promptSecret() string {
	fmt.Fprint(os.Stderr, "Cluster secret: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		log.Fatalf("Failed to read secret: %v", err)
	}
	return string(raw)
}
