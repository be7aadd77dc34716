// Command fallbackcall issues a single RPC over the HTTP fallback transport and
// prints the response messages as JSON, one per line. The service is described
// by .proto source files, which are parsed at startup.
//
// Example:
//
//	fallbackcall --proto widgets.proto -I ./protos \
//	    --method acme.WidgetService/GetWidget \
//	    --host api.example.com --rest -d '{"id": 1}'
//
// Interrupting the command cancels the call.
package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts callOptions
	cmd := &cobra.Command{
		Use:   "fallbackcall --proto FILE --method SERVICE/METHOD --host HOST [flags]",
		Short: "Call a gRPC method over the HTTP fallback transport",
		Long: `Calls a gRPC method over the HTTP fallback transport.

By default the binary protocol is used: the request is POSTed as a serialized
protobuf to /$rpc/<service>/<method>. With --rest, the request is transcoded to
JSON according to the google.api.http rules of the method.

Response messages are printed as JSON, one per line. Streamed responses are
printed as they arrive.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCall(cmd.Context(), &opts, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&opts.protoFiles, "proto", nil, "proto source files that define the service")
	f.StringSliceVarP(&opts.importPaths, "import-path", "I", nil, "directories in which to search for proto files and their imports")
	f.StringVarP(&opts.method, "method", "m", "", "the method to call, as SERVICE/METHOD or SERVICE.METHOD")
	f.StringVar(&opts.host, "host", "", "the server host name")
	f.IntVar(&opts.port, "port", 0, "the server port (defaults to the protocol's port)")
	f.StringVar(&opts.protocol, "protocol", "https", "the URL scheme")
	f.BoolVar(&opts.rest, "rest", false, "use HTTP/JSON transcoding rather than the binary protocol")
	f.BoolVar(&opts.jsonSeq, "json-seq", false, "with --rest, parse streamed replies as a JSON text sequence rather than a JSON array")
	f.BoolVar(&opts.numericEnums, "numeric-enums", false, "encode enums by number")
	f.BoolVar(&opts.h2c, "h2c", false, "use cleartext HTTP/2")
	f.StringArrayVarP(&opts.headers, "header", "H", nil, `extra request header, as "Name: value" (repeatable)`)
	f.StringVar(&opts.token, "token", "", "bearer token to send in the Authorization header")
	f.StringVarP(&opts.data, "data", "d", "", `the request, as JSON; "@file" reads it from a file and "@-" from stdin`)
	f.DurationVar(&opts.timeout, "timeout", 30*time.Second, "how long to wait for the call to complete (0 means no limit)")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "log call progress to stderr")

	for _, name := range []string{"proto", "method", "host"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}
