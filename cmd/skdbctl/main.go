package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/jseldess/skdb/mux"
	"github.com/jseldess/skdb/replication"
)

const DefaultServerUrl = "wss://sync.skdb.example.com"

const LocalVersion = "0.0.0-local"

func main() {
	defer glog.Flush()

	usage := fmt.Sprintf(
		`skdb replication client.

The default server url is:
    server_url: %s

Usage:
    skdbctl mirror <table>... --access_key=<access_key> --private_key=<private_key>
        [--engine=<engine_path>] [--server_url=<server_url>] [--device_uuid=<device_uuid>]
    skdbctl -h | --help
    skdbctl --version

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --server_url=<server_url>      Replication server url.
    --engine=<engine_path>         Path to the local engine binary [default: skdb].
    --access_key=<access_key>      Access key, 1-20 bytes.
    --private_key=<private_key>    Base64-encoded HMAC private key.
    --device_uuid=<device_uuid>    Device identifier sent with auth.`,
		DefaultServerUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LocalVersion)
	if err != nil {
		panic(err)
	}

	if mirror_, _ := opts.Bool("mirror"); mirror_ {
		mirror(opts)
	}
}

func mirror(opts docopt.Opts) {
	var tables []string
	if raw, ok := opts["<table>"].([]string); ok {
		tables = raw
	} else if raw, ok := opts["<table>"].([]interface{}); ok {
		for _, v := range raw {
			tables = append(tables, fmt.Sprint(v))
		}
	}
	accessKey, _ := opts.String("--access_key")
	privateKeyB64, _ := opts.String("--private_key")
	privateKey, err := base64.StdEncoding.DecodeString(privateKeyB64)
	if err != nil {
		glog.Errorf("skdbctl: --private_key is not valid base64: %v", err)
		os.Exit(1)
	}
	enginePath, _ := opts.String("--engine")
	deviceUuid, _ := opts.String("--device_uuid")

	serverUrl := DefaultServerUrl
	if v, err := opts.String("--server_url"); err == nil && v != "" {
		serverUrl = v
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	creds := mux.Credentials{
		AccessKey:  accessKey,
		PrivateKey: privateKey,
		DeviceUuid: deviceUuid,
	}

	socket, err := mux.Connect(cancelCtx, serverUrl, http.Header{}, creds, mux.DefaultSocketSettings(), mux.DefaultTransportSettings())
	if err != nil {
		glog.Errorf("skdbctl: connect failed: %v", err)
		os.Exit(1)
	}
	defer socket.CloseSocket()

	engine := replication.NewCommandEngine(enginePath)
	coordinator, err := replication.NewCoordinator(socket, engine, accessKey, replication.DefaultSettings())
	if err != nil {
		glog.Errorf("skdbctl: coordinator init failed: %v", err)
		os.Exit(1)
	}
	defer coordinator.Close()

	for _, table := range tables {
		if err := coordinator.MirrorTable(cancelCtx, table); err != nil {
			glog.Errorf("skdbctl: mirror %s failed: %v", table, err)
			os.Exit(1)
		}
		glog.Infof("skdbctl: mirroring %s", table)
	}

	<-socket.Done()
	glog.Infof("skdbctl: connection closed, exiting")
}
