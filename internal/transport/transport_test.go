package transport

import "testing"

func TestDeliveryClassString(t *testing.T) {
	cases := map[DeliveryClass]string{
		Unreliable:      "Unreliable",
		Sequenced:       "Sequenced",
		ReliableOrdered: "ReliableOrdered",
		Unconnected:     "Unconnected",
	}
	for dc, want := range cases {
		if got := dc.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", dc, got, want)
		}
	}
}
