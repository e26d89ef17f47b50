package common

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// ConfigureLogging sets up logrus for long-running processes.
func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

// ConfigureCommandLineLogging sets up logrus for CLI usage, where log output
// goes to stderr so that command output on stdout stays machine-readable.
func ConfigureCommandLineLogging() {
	commandLineFormatter := new(CommandLineFormatter)
	log.SetFormatter(commandLineFormatter)
	log.SetOutput(os.Stderr)
}

// CommandLineFormatter renders log entries as bare messages, which reads
// better in interactive use than the full logrus text format.
type CommandLineFormatter struct{}

func (f *CommandLineFormatter) Format(entry *log.Entry) ([]byte, error) {
	return []byte(entry.Message + "\n"), nil
}
