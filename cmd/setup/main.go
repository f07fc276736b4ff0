// Command setup writes the soundbot .env file. It prompts for the Twitch
// application credentials and the target channel, offers existing values as
// defaults, and generates EVENTSUB_SECRET when none is set.
//
// Usage:
//
//	setup [--file PATH]
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/onnwee/soundbot/config"
)

const secretLength = 32

func main() {
	file := flag.String("file", "", "path of the .env file (default: user config dir)")
	flag.Parse()

	path := *file
	if path == "" {
		p, err := config.FilePath()
		if err != nil {
			slog.Error("cannot locate config dir", slog.Any("err", err))
			os.Exit(1)
		}
		path = p
	}
	if err := run(os.Stdin, os.Stdout, path); err != nil {
		slog.Error("setup failed", slog.Any("err", err))
		os.Exit(1)
	}
}

type question struct {
	key      string
	label    string
	fallback string
}

var questions = []question{
	{key: config.KeyClientID, label: "Twitch application client id"},
	{key: config.KeyClientSecret, label: "Twitch application client secret"},
	{key: config.KeyBroadcasterID, label: "Channel to watch (login or numeric id)"},
	{key: config.KeyRedirectURI, label: "OAuth redirect URI", fallback: config.DefaultRedirectURI},
	{key: config.KeyBindAddress, label: "HTTP bind address", fallback: config.DefaultBindAddress},
}

// run prompts on in/out and writes the merged values to path. Keys already
// in the file that are not asked about are kept.
func run(in io.Reader, out io.Writer, path string) error {
	values, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		values = map[string]string{}
	} else if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	r := bufio.NewReader(in)
	for _, q := range questions {
		def := values[q.key]
		if def == "" {
			def = q.fallback
		}
		v, err := ask(r, out, q.label, def)
		if err != nil {
			return fmt.Errorf("%s: %w", q.key, err)
		}
		values[q.key] = v
	}

	if n := len(values[config.KeyEventSubSecret]); n < 10 || n > 100 {
		secret, err := config.GenerateSecret(secretLength)
		if err != nil {
			return err
		}
		values[config.KeyEventSubSecret] = secret
		fmt.Fprintln(out, "Generated a new EVENTSUB_SECRET.")
	}

	cfg, err := config.LoadFrom(func(name string) (string, bool) {
		v, ok := values[name]
		return v, ok
	})
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.WriteFile(path, values); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote %s\n", path)
	return nil
}

// ask prints a prompt and reads one line. An empty answer takes def; with
// no default the question repeats until answered.
func ask(r *bufio.Reader, out io.Writer, label, def string) (string, error) {
	for {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", label, def)
		} else {
			fmt.Fprintf(out, "%s: ", label)
		}
		line, err := r.ReadString('\n')
		v := strings.TrimSpace(line)
		if v == "" {
			v = def
		}
		if v != "" {
			return v, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", errors.New("value required")
			}
			return "", err
		}
		fmt.Fprintln(out, "A value is required.")
	}
}
