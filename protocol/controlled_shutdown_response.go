package protocol

// ControlledShutdownPartition names a partition the shutting-down broker
// still leads after the controller moved what it could.
type ControlledShutdownPartition struct {
	Topic     string
	Partition int32
}

type ControlledShutdownResponse struct {
	APIVersion int16

	ErrorCode           int16
	PartitionsRemaining []*ControlledShutdownPartition
}

func (r *ControlledShutdownResponse) Encode(e PacketEncoder) (err error) {
	e.PutInt16(r.ErrorCode)
	if err = e.PutArrayLength(len(r.PartitionsRemaining)); err != nil {
		return err
	}
	for _, p := range r.PartitionsRemaining {
		if err = e.PutString(p.Topic); err != nil {
			return err
		}
		e.PutInt32(p.Partition)
	}
	return nil
}

func (r *ControlledShutdownResponse) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if r.ErrorCode, err = d.Int16(); err != nil {
		return err
	}
	partitionCount, err := d.ArrayLength()
	if err != nil {
		return err
	}
	r.PartitionsRemaining = make([]*ControlledShutdownPartition, partitionCount)
	for i := range r.PartitionsRemaining {
		p := new(ControlledShutdownPartition)
		if p.Topic, err = d.String(); err != nil {
			return err
		}
		if p.Partition, err = d.Int32(); err != nil {
			return err
		}
		r.PartitionsRemaining[i] = p
	}
	return nil
}

func (r *ControlledShutdownResponse) Key() int16 {
	return ControlledShutdownKey
}

func (r *ControlledShutdownResponse) Version() int16 {
	return r.APIVersion
}
