package types

const SubProtocol16 = "ocpp1.6"
