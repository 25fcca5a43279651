package protocol

type ControlledShutdownRequest struct {
	APIVersion int16

	BrokerID int32
}

func (r *ControlledShutdownRequest) Encode(e PacketEncoder) (err error) {
	e.PutInt32(r.BrokerID)
	return nil
}

func (r *ControlledShutdownRequest) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	r.BrokerID, err = d.Int32()
	return err
}

func (r *ControlledShutdownRequest) Key() int16 {
	return ControlledShutdownKey
}

func (r *ControlledShutdownRequest) Version() int16 {
	return r.APIVersion
}
