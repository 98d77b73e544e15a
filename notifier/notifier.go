package notifier

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/WoCha-FR/ocpp-proxy-alert/internal"
	"github.com/WoCha-FR/ocpp-proxy-alert/internal/config"
	"github.com/WoCha-FR/ocpp-proxy-alert/ocpp"
	"github.com/WoCha-FR/ocpp-proxy-alert/ocpp/core"
)

// Notifier turns proxy events into alerts and hands them to the configured
// delivery channels. Raising an alert never blocks the proxy path: alerts
// are queued on a buffered channel and dropped with a warning when the
// queue is full. Delivery errors are logged and swallowed.
type Notifier struct {
	conf     *config.Config
	log      internal.LogHandler
	database internal.Database
	senders  []internal.MessageService
	events   chan *Alert
	names    map[string]string
}

func New(conf *config.Config, log internal.LogHandler) *Notifier {
	names := make(map[string]string)
	for _, station := range conf.Stations {
		names[station.Id] = station.Name
	}
	return &Notifier{
		conf:   conf,
		log:    log,
		events: make(chan *Alert, 100),
		names:  names,
	}
}

func (n *Notifier) AddSender(sender internal.MessageService) {
	if sender != nil {
		n.senders = append(n.senders, sender)
	}
}

func (n *Notifier) SetDatabase(database internal.Database) {
	n.database = database
}

func (n *Notifier) Start() {
	go n.pump()
}

func (n *Notifier) pump() {
	for alert := range n.events {
		for _, sender := range n.senders {
			if err := sender.Send(alert); err != nil {
				n.log.Error("sending alert", err)
			}
		}
		if n.database != nil {
			if err := n.database.WriteEvent(alert); err != nil {
				n.log.Error("writing alert to database", err)
			}
		}
	}
}

func (n *Notifier) raise(clientId, title, text string) {
	now := time.Now()
	alert := &Alert{
		Time:          now.Format("2006-01-02 15:04:05"),
		TimeStamp:     now.UTC(),
		ChargePointId: clientId,
		Station:       n.stationName(clientId),
		Title:         title,
		Text:          text,
	}
	select {
	case n.events <- alert:
	default:
		n.log.Warn("alert queue full, alert dropped")
	}
}

func (n *Notifier) stationName(clientId string) string {
	if name, ok := n.names[clientId]; ok {
		return name
	}
	return clientId
}

func (n *Notifier) ConnectedToProxy(clientId string) {
	if !n.conf.Notify.ProxyConnect {
		return
	}
	n.raise(clientId, "Connected", fmt.Sprintf("%s connected to proxy", n.stationName(clientId)))
}

func (n *Notifier) DisconnectedFromProxy(clientId string) {
	if !n.conf.Notify.ProxyDisconnect {
		return
	}
	n.raise(clientId, "Disconnected", fmt.Sprintf("%s disconnected from proxy", n.stationName(clientId)))
}

func (n *Notifier) ConnectedToUpstream(clientId, name string) {
	if !n.conf.Notify.UpstreamConnect {
		return
	}
	n.raise(clientId, "Upstream online", fmt.Sprintf("%s connected to upstream %s", n.stationName(clientId), name))
}

func (n *Notifier) DisconnectedFromUpstream(clientId, name string) {
	if !n.conf.Notify.UpstreamDisconnect {
		return
	}
	n.raise(clientId, "Upstream offline", fmt.Sprintf("%s lost upstream %s", n.stationName(clientId), name))
}

// CallFromClient inspects selected OCPP actions and raises an alert for the
// enabled ones. The frame itself is routed by the session regardless of what
// happens here.
func (n *Notifier) CallFromClient(clientId string, frame []byte) {
	call, err := ocpp.ParseCall(frame)
	if err != nil {
		return
	}
	station := n.stationName(clientId)
	switch call.Action {
	case core.BootNotificationFeatureName:
		if !n.conf.Notify.BootNotification {
			return
		}
		var request core.BootNotificationRequest
		if err = decodePayload(call.Payload, &request); err != nil {
			return
		}
		n.raise(clientId, "Boot",
			fmt.Sprintf("%s booted: %s %s, firmware %s", station, request.ChargePointVendor, request.ChargePointModel, request.FirmwareVersion))
	case core.StatusNotificationFeatureName:
		if !n.conf.Notify.StatusNotification {
			return
		}
		var request core.StatusNotificationRequest
		if err = decodePayload(call.Payload, &request); err != nil {
			return
		}
		text := fmt.Sprintf("%s connector %d is %s", station, request.ConnectorId, request.Status)
		if request.ErrorCode != "" && request.ErrorCode != core.NoError {
			text = fmt.Sprintf("%s (%s)", text, request.ErrorCode)
		}
		n.raise(clientId, "Status", text)
	case core.StartTransactionFeatureName:
		if !n.conf.Notify.StartTransaction {
			return
		}
		var request core.StartTransactionRequest
		if err = decodePayload(call.Payload, &request); err != nil {
			return
		}
		n.raise(clientId, "Transaction started",
			fmt.Sprintf("%s charging on connector %d, tag %s", station, request.ConnectorId, request.IdTag))
	case core.StopTransactionFeatureName:
		if !n.conf.Notify.StopTransaction {
			return
		}
		var request core.StopTransactionRequest
		if err = decodePayload(call.Payload, &request); err != nil {
			return
		}
		text := fmt.Sprintf("%s transaction %d stopped, meter %d", station, request.TransactionId, request.MeterStop)
		if request.Reason != "" {
			text = fmt.Sprintf("%s (%s)", text, request.Reason)
		}
		n.raise(clientId, "Transaction stopped", text)
	}
}

func decodePayload(raw interface{}, target interface{}) error {
	if raw == nil {
		return nil
	}
	bytes, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, target)
}
