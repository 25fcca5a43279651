package protocol

type UpdateMetadataResponse struct {
	APIVersion int16

	ErrorCode int16
}

func (r *UpdateMetadataResponse) Encode(e PacketEncoder) (err error) {
	e.PutInt16(r.ErrorCode)
	return nil
}

func (r *UpdateMetadataResponse) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	r.ErrorCode, err = d.Int16()
	return err
}

func (r *UpdateMetadataResponse) Key() int16 {
	return UpdateMetadataKey
}

func (r *UpdateMetadataResponse) Version() int16 {
	return r.APIVersion
}
