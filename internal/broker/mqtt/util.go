package mqtt

import (
	"fmt"
	"time"

	"github.com/256dpi/gomqtt/packet"
)

// PacketString hides CONNECT password and prints PUBLISH payload as hex.
func PacketString(p packet.Generic) string {
	switch pt := p.(type) {
	case nil:
		return "(nil)"

	case *packet.Connect:
		return fmt.Sprintf("<Connect ClientID=%q KeepAlive=%d Username=%q Password=(%d bytes) CleanSession=%t>",
			pt.ClientID, pt.KeepAlive, pt.Username, len(pt.Password), pt.CleanSession)

	case *packet.Publish:
		return fmt.Sprintf("<Publish ID=%d Dup=%t %s>", pt.ID, pt.Dup, MessageString(&pt.Message))
	}
	return p.String()
}

func MessageString(m *packet.Message) string {
	if m == nil {
		return "message=nil"
	}
	return fmt.Sprintf("Topic=%q QOS=%d Retain=%t Payload=%x", m.Topic, m.QOS, m.Retain, m.Payload)
}

func keepaliveAndHalf(sec uint16) time.Duration {
	d := time.Duration(sec) * time.Second
	return d + d/2
}
