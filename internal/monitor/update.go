package monitor

import "github.com/srg/gattmon/internal/gatt"

// Update is one notified or indicated value published to the consumer
// through the single-slot channel.
type Update struct {
	TsUs   int64           // receive timestamp, microseconds since epoch
	Seq    uint64          // monotonically increasing per monitor instance
	Conn   gatt.ConnHandle // connection the value arrived on
	Handle gatt.Handle     // value handle of the characteristic
	Kind   gatt.ValueKind  // notification or indication
	Value  []byte          // payload copy, owned by the consumer
}

// CharacteristicInfo is the inspection view of one registry record: the
// discovered characteristic plus what the pipeline learned while processing
// it.
type CharacteristicInfo struct {
	gatt.Characteristic

	Value      []byte         // last read value, nil when unread or unreadable
	Subscribed bool           // CCCD enable write completed successfully
	Mode       gatt.ValueKind // enabled update kind, valid when Subscribed
}
