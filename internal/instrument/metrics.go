// Package instrument centralizes the Prometheus counters the progress
// engine and state machines bump on significant events, following the
// call-site-per-event style of server/internal/decoy.go's instrument.*
// helpers (PacketsDropped, PKIDocs, IgnoredPKIDocs) adapted to RDM's own
// event set.
package instrument

import "github.com/prometheus/client_golang/prometheus"

var (
	packetsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdm_packets_sent_total",
		Help: "Packets submitted to a transport's send path.",
	})
	packetsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdm_packets_received_total",
		Help: "Packets classified by the progress engine on receive.",
	})
	rnrEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdm_rnr_total",
		Help: "Receiver-not-ready completions observed.",
	})
	retransmits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdm_retransmits_total",
		Help: "Packets retransmitted after RNR backoff expiry.",
	})
	unexpectedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdm_unexpected_messages_total",
		Help: "RTS packets that arrived with no matching posted receive.",
	})
	protocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdm_protocol_errors_total",
		Help: "Protocol-error completions written by the progress engine.",
	})
	peerFatal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdm_peer_fatal_total",
		Help: "Peers transitioned to a fatal error state.",
	})
	creditsExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdm_credit_exhausted_total",
		Help: "Sends that paused because the peer had zero credits.",
	})
	poolExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdm_pool_exhausted_total",
		Help: "Packet pool allocations that returned resource-busy.",
	})
	peersInBackoff = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rdm_peers_in_backoff",
		Help: "Current number of peers in RNR backoff.",
	})
)

func init() {
	prometheus.MustRegister(
		packetsSent, packetsReceived, rnrEvents, retransmits,
		unexpectedMessages, protocolErrors, peerFatal, creditsExhausted,
		poolExhausted, peersInBackoff,
	)
}

func PacketSent()          { packetsSent.Inc() }
func PacketReceived()      { packetsReceived.Inc() }
func RNR()                 { rnrEvents.Inc() }
func Retransmit()          { retransmits.Inc() }
func UnexpectedMessage()   { unexpectedMessages.Inc() }
func ProtocolError()       { protocolErrors.Inc() }
func PeerFatal()           { peerFatal.Inc() }
func CreditExhausted()     { creditsExhausted.Inc() }
func PoolExhausted()       { poolExhausted.Inc() }
func SetPeersInBackoff(n int) { peersInBackoff.Set(float64(n)) }
