package pixel

import "fmt"

// MessageType is the first byte of every frame exchanged with a die
type MessageType uint8

const (
	MsgNone                         MessageType = 0
	MsgWhoAreYou                    MessageType = 1
	MsgIAmADie                      MessageType = 2
	MsgBulkData                     MessageType = 7
	MsgBulkDataAck                  MessageType = 8
	MsgTransferAnimationSet         MessageType = 9
	MsgTransferAnimationSetAck      MessageType = 10
	MsgTransferAnimationSetFinished MessageType = 11
	MsgBlink                        MessageType = 29
	MsgBlinkAck                     MessageType = 30
	MsgSetName                      MessageType = 51
	MsgSetNameAck                   MessageType = 52
	MsgPowerOperation               MessageType = 53
	MsgClearSettings                MessageType = 70
	MsgClearSettingsAck             MessageType = 71
)

var messageNames = map[MessageType]string{
	MsgNone:                         "none",
	MsgWhoAreYou:                    "whoAreYou",
	MsgIAmADie:                      "iAmADie",
	MsgBulkData:                     "bulkData",
	MsgBulkDataAck:                  "bulkDataAck",
	MsgTransferAnimationSet:         "transferAnimationSet",
	MsgTransferAnimationSetAck:      "transferAnimationSetAck",
	MsgTransferAnimationSetFinished: "transferAnimationSetFinished",
	MsgBlink:                        "blink",
	MsgBlinkAck:                     "blinkAck",
	MsgSetName:                      "setName",
	MsgSetNameAck:                   "setNameAck",
	MsgPowerOperation:               "powerOperation",
	MsgClearSettings:                "clearSettings",
	MsgClearSettingsAck:             "clearSettingsAck",
}

func (m MessageType) String() string {
	if name, ok := messageNames[m]; ok {
		return name
	}
	return fmt.Sprintf("message(%d)", uint8(m))
}

// PowerOperation is the payload of MsgPowerOperation
type PowerOperation uint8

const (
	PowerTurnOff PowerOperation = iota
	PowerReset
	PowerSleep
)

// ComputeHash returns the profile hash a die reports for the given data set bytes.
func ComputeHash(data []byte) uint32 {
	hash := uint32(5381)
	for _, b := range data {
		hash = (hash << 5) + hash + uint32(b)
	}
	return hash
}
