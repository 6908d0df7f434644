package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/DjimEbambe/IoTferme/go/agent"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

const iniFilename = "edge-agent.ini"

// Config is the top-level configuration object of the edge agent.
var Config = new(struct {
	Agent agent.Config `group:"agent" namespace:"agent" env-namespace:"AGENT"`

	Log struct {
		Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
		Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" description:"Logging output format"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	initLog()

	log.WithFields(log.Fields{
		"site":   Config.Agent.Site,
		"device": Config.Agent.DeviceID,
		"broker": Config.Agent.MQTT.URI,
		"serial": Config.Agent.Serial.Device,
	}).Info("edge agent configuration")

	var a, err = agent.New(Config.Agent)
	if err != nil {
		return err
	}
	if err = a.Start(context.Background()); err != nil {
		a.Stop()
		return err
	}

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	var sig = <-signalCh
	log.WithField("signal", sig).Info("caught signal")

	a.Stop()
	log.Info("goodbye")
	return nil
}

func initLog() {
	if lvl, err := log.ParseLevel(Config.Log.Level); err == nil {
		log.SetLevel(lvl)
	}
	if Config.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as edge gateway agent", `
Run the edge gateway agent with the provided configuration, bridging the
radio co-processor to the cloud broker until signaled to exit (via
SIGTERM).
`, &cmdServe{})

	// A missing ini file is fine; flags and environment still apply.
	_ = flags.NewIniParser(parser).ParseFile(iniFilename)

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}
