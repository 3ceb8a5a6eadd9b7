package icrypto

import (
	"encoding/binary"
)

const (
	aadRecord  = "RECORD"
	aadState   = "STATE"
	aadKeyWrap = "KEYWRAP"
	aadCanary  = "CANARY"
)

// AADRecord binds a data record to its namespace, record type and ID.
func AADRecord(namespace, recordType, recordID string, ver int) []byte {
	return buildAAD(aadRecord, namespace, recordType, recordID, ver)
}

// AADState binds a persisted vault state record to its descriptor.
func AADState(descriptor string, ver int) []byte {
	return buildAAD(aadState, descriptor, ver)
}

// AADKeyWrap binds a wrapped storage key to its descriptor and key ID.
func AADKeyWrap(descriptor, keyID string, ver int) []byte {
	return buildAAD(aadKeyWrap, descriptor, keyID, ver)
}

// AADCanary binds an enrollment canary to its descriptor.
func AADCanary(descriptor string, ver int) []byte {
	return buildAAD(aadCanary, descriptor, ver)
}

func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case []byte:
			res = appendLenPrefix(res, v)
		case uint64:
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, v)
			res = append(res, b...)
		case int:
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, uint32(v))
			res = append(res, b...)
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	l := make([]byte, 4)
	binary.BigEndian.PutUint32(l, uint32(len(data)))
	b = append(b, l...)
	b = append(b, data...)
	return b
}
