// Command modem-api runs a single action against a Huawei HiLink modem and
// prints the result as JSON.
//
// # Usage
//
//	modem-api http://192.168.8.1/ --username admin --password secret --action info
//	modem-api http://192.168.8.1/ --action toggle_data --data '{"enable":false}'
//	modem-api http://192.168.8.1/ --action reconnect --data '{"method":"netmode","prefixes":["10.130-10.159"]}'
//
// The password can be passed in MODEM_API_PASSWORD instead of --password
// to keep it out of the process list.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pilot-net/huawei-manager/agent/internal/modemapi"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := modemapi.Main(ctx, os.Args[1:], modemapi.Options{})
	stop()
	os.Exit(code)
}
