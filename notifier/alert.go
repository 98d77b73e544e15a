package notifier

import "time"

const AlertMessageType = "alertMessage"

// Alert is one human-readable notification raised by the proxy.
type Alert struct {
	Time          string    `json:"time" bson:"time"`
	TimeStamp     time.Time `json:"timestamp" bson:"timestamp"`
	ChargePointId string    `json:"id" bson:"charge_point_id"`
	Station       string    `json:"station" bson:"station"`
	Title         string    `json:"title" bson:"title"`
	Text          string    `json:"text" bson:"text"`
}

func (a *Alert) MessageType() string {
	return AlertMessageType
}

func (a *Alert) DataType() string {
	return AlertMessageType
}
