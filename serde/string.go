package serde

// String passes values through as their UTF-8 bytes. The topic does not
// influence the encoding.
func String() Serde[string] {
	return stringSerde{}
}

type stringSerde struct{}

func (stringSerde) Serialise(_ string, value string) ([]byte, error) {
	return []byte(value), nil
}

func (stringSerde) Deserialise(_ string, data []byte) (string, error) {
	return string(data), nil
}
