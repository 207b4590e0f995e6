// Package appsinstalled encodes device records into the binary payload stored
// in the cache shards.
//
// The payload is the protobuf wire encoding of the fleet's existing message:
//
//	message UserApps {
//	    repeated uint32 apps = 1 [packed=true];
//	    optional double lat = 2;
//	    optional double lon = 3;
//	}
//
// Fields are written in field-number order with lat/lon always present, which
// is byte-identical to proto.Marshal of the generated message. App ids are
// carried as int64 in memory; for ids that fit the original uint32 field the
// varint bytes are the same.
package appsinstalled

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldApps protowire.Number = 1
	fieldLat  protowire.Number = 2
	fieldLon  protowire.Number = 3
)

// ErrNonFinite reports a NaN or infinite coordinate, which the shard schema
// cannot carry.
var ErrNonFinite = errors.New("non-finite coordinate")

// UserApps is the decoded form of a payload.
type UserApps struct {
	Apps []int64
	Lat  float64
	Lon  float64
}

// Key returns the shard key for a device: "<device_type>:<device_id>".
func Key(deviceType, deviceID string) string {
	return deviceType + ":" + deviceID
}

// Marshal encodes u. It fails only with ErrNonFinite.
func (u UserApps) Marshal() ([]byte, error) {
	if !finite(u.Lat) || !finite(u.Lon) {
		return nil, fmt.Errorf("%w: lat=%v lon=%v", ErrNonFinite, u.Lat, u.Lon)
	}

	size := 2 * (1 + 8)
	var packed []byte
	if len(u.Apps) > 0 {
		packed = make([]byte, 0, len(u.Apps)*3)
		for _, a := range u.Apps {
			packed = protowire.AppendVarint(packed, uint64(a))
		}
		size += 1 + protowire.SizeBytes(len(packed))
	}

	b := make([]byte, 0, size)
	if packed != nil {
		b = protowire.AppendTag(b, fieldApps, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = protowire.AppendTag(b, fieldLat, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(u.Lat))
	b = protowire.AppendTag(b, fieldLon, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(u.Lon))
	return b, nil
}

// Unmarshal decodes a payload. Both packed and unpacked encodings of apps are
// accepted; unknown fields are skipped.
func Unmarshal(b []byte) (UserApps, error) {
	var u UserApps
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return UserApps{}, fmt.Errorf("appsinstalled: tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldApps && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return UserApps{}, fmt.Errorf("appsinstalled: apps: %w", protowire.ParseError(n))
			}
			b = b[n:]
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return UserApps{}, fmt.Errorf("appsinstalled: apps item: %w", protowire.ParseError(m))
				}
				packed = packed[m:]
				u.Apps = append(u.Apps, int64(v))
			}

		case num == fieldApps && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return UserApps{}, fmt.Errorf("appsinstalled: apps item: %w", protowire.ParseError(n))
			}
			b = b[n:]
			u.Apps = append(u.Apps, int64(v))

		case (num == fieldLat || num == fieldLon) && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return UserApps{}, fmt.Errorf("appsinstalled: coordinate: %w", protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldLat {
				u.Lat = math.Float64frombits(v)
			} else {
				u.Lon = math.Float64frombits(v)
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return UserApps{}, fmt.Errorf("appsinstalled: field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return u, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
