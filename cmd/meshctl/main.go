// Command meshctl is an operator-facing diagnostic tool: it inspects a
// device's certificates and reports build version. It never participates
// in the mesh protocol itself.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/blemesh/meshcore"
)

func main() {
	app := cli.NewApp()
	app.Name = "meshctl"
	app.Usage = "inspect meshcore device state"
	app.Version = meshcore.Version.String()
	app.Commands = []cli.Command{
		{
			Name:  "cert-info",
			Usage: "print the identity encoded in a device certificate",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "cert", Required: true},
				cli.StringFlag{Name: "key", Required: true},
				cli.StringFlag{Name: "ca-cert", Required: true},
			},
			Action: certInfo,
		},
		{
			Name:   "version",
			Usage:  "print the meshctl/meshd version",
			Action: func(c *cli.Context) error { fmt.Println(meshcore.Version); return nil },
		},
	}

	if err := app.Run(os.Args); err != nil {
		color.Red("meshctl: %v", err)
		os.Exit(1)
	}
}

func certInfo(c *cli.Context) error {
	cs, err := meshcore.LoadCertStore(c.String("cert"), c.String("key"), c.String("ca-cert"))
	if err != nil {
		return err
	}
	color.Green("nid:  %s", cs.Nid())
	color.Yellow("role: %s", cs.Role())
	return nil
}
