// Package telemetry registers the client's otel metric instruments against
// the global meter provider. Applications that install a metrics SDK see
// them; everyone else gets no-ops.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	// RPCCalls counts protocol commands issued, by command name.
	RPCCalls metric.Int64Counter
	// RPCErrors counts protocol commands that failed, by command name.
	RPCErrors metric.Int64Counter
	// KeepalivesSent counts job keepalive beats delivered to the server.
	KeepalivesSent metric.Int64Counter
	// Reconnects counts reconnect cycles entered after a transport fault.
	Reconnects metric.Int64Counter
)

func init() {
	meter := otel.Meter("pkt.systems/spalloc")
	RPCCalls = counter(meter, "spalloc.client.rpc_calls", "Protocol commands issued.")
	RPCErrors = counter(meter, "spalloc.client.rpc_errors", "Protocol commands that failed.")
	KeepalivesSent = counter(meter, "spalloc.client.keepalives_sent", "Job keepalive beats sent.")
	Reconnects = counter(meter, "spalloc.client.reconnects", "Reconnect cycles after transport faults.")
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		otel.Handle(err)
	}
	if c == nil {
		c, _ = noop.NewMeterProvider().Meter("pkt.systems/spalloc").Int64Counter(name)
	}
	return c
}

// Command returns the measurement option tagging a data point with the
// protocol command name.
func Command(name string) metric.AddOption {
	return metric.WithAttributes(attribute.String("command", name))
}
