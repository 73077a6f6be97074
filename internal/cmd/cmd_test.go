package cmd_test

import (
	"testing"
	"time"

	"github.com/acto-org/acto/internal/cmd"
	"github.com/acto-org/acto/internal/test"
)

func TestVersionCommand(t *testing.T) {
	th := test.SetupCommand(t)

	th.RunCommand(t, cmd.CmdVersion(), test.CmdTest{
		Name: "Version",
		Args: []string{"version"},
	})
}

func TestStartCommand(t *testing.T) {
	th := test.SetupCommand(t)

	// The server blocks until its context ends; end it shortly after boot.
	// Port 0 comes from the harness config so nothing collides.
	timer := time.AfterFunc(2*time.Second, th.Cancel)
	defer timer.Stop()

	th.RunCommand(t, cmd.CmdStart(), test.CmdTest{
		Name:        "StartServesUntilCanceled",
		Args:        []string{"start"},
		ExpectedOut: []string{"Server initialization", "Server is starting"},
	})
}
