package alert

import "strings"

// Kind is the closed classification of a source topic.
type Kind int

const (
	KindGW Kind = iota
	KindSwiftGRB
	KindSvomGRB
)

func (k Kind) String() string {
	switch k {
	case KindSwiftGRB:
		return "swift-grb"
	case KindSvomGRB:
		return "svom-grb"
	default:
		return "gw"
	}
}

// ClassifyTopic maps a topic name to an alert kind by substring match.
// Topics that match neither GRB mission are routed to the GW path; the
// caller is expected to log when that default fires for a topic outside its
// configured GW set.
func ClassifyTopic(topic string) Kind {
	t := strings.ToLower(topic)
	switch {
	case strings.Contains(t, "swift"):
		return KindSwiftGRB
	case strings.Contains(t, "svom"):
		return KindSvomGRB
	default:
		return KindGW
	}
}
