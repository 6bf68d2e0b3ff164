package nrf24

// SPI commands.
const (
	cmdRRegister   = 0x00
	cmdWRegister   = 0x20
	cmdRRxPayload  = 0x61
	cmdWTxPayload  = 0xA0
	cmdFlushTx     = 0xE1
	cmdFlushRx     = 0xE2
	cmdRRxPlWid    = 0x60
	cmdNop         = 0xFF
	registerMask   = 0x1F
	addressWidth   = 5
	maxPayloadSize = 32
)

// Registers.
const (
	regConfig     = 0x00
	regEnAA       = 0x01
	regEnRxAddr   = 0x02
	regSetupAW    = 0x03
	regSetupRetr  = 0x04
	regRFCh       = 0x05
	regRFSetup    = 0x06
	regStatus     = 0x07
	regObserveTx  = 0x08
	regRPD        = 0x09
	regRxAddrP0   = 0x0A
	regRxAddrP1   = 0x0B
	regTxAddr     = 0x10
	regFIFOStatus = 0x17
	regDynPD      = 0x1C
	regFeature    = 0x1D
)

// CONFIG bits.
const (
	configPrimRx = 1 << 0
	configPwrUp  = 1 << 1
	configCRCO   = 1 << 2
	configEnCRC  = 1 << 3
)

// STATUS bits.
const (
	statusTxFull = 1 << 0
	statusMaxRT  = 1 << 4
	statusTxDS   = 1 << 5
	statusRxDR   = 1 << 6
	statusIRQs   = statusMaxRT | statusTxDS | statusRxDR
)

// RF_SETUP bits.
const (
	rfSetupLNA    = 1 << 0
	rfSetupDRHigh = 1 << 3
	rfSetupDRLow  = 1 << 5
)

const (
	fifoRxEmpty = 1 << 0
	fifoTxEmpty = 1 << 4

	featureEnDPL = 1 << 2
	// Pipe 0 receives acks for the tx address on a transmitter. Pipe 1 is
	// the peer's address on a receiver.
	pipe0 = 1 << 0
	pipe1 = 1 << 1
	// 5-byte addresses.
	setupAW5 = 0x03
)
