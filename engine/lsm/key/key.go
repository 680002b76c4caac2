package key

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Kind 标识一条记录的类型
type Kind uint8

const (
	// Invalid 表示该时间点起属性值不再有效（删除标记）
	Invalid Kind = 0
	// Value 表示一条普通的属性值记录
	Value Kind = 1
)

// EncodedLen 是内部键编码后的固定长度：
// propertyId(4) + entityId(8) + startTime(4) + kind(1)
const EncodedLen = 17

// InternalKey 是引擎内部使用的键：某实体的某个属性从 startTime 起的一个版本。
// 排序规则为 propertyId 升序、entityId 升序、startTime 降序（同一实体内新版本在前），
// kind 不参与排序。
type InternalKey struct {
	PropertyID uint32
	EntityID   uint64
	StartTime  int32
	Kind       Kind
}

// NewValueKey 构造一条普通记录的内部键
func NewValueKey(propertyID uint32, entityID uint64, startTime int32) InternalKey {
	return InternalKey{PropertyID: propertyID, EntityID: entityID, StartTime: startTime, Kind: Value}
}

// Encode 将内部键编码为定长字节序列。
// 各字段使用大端序，保证 propertyId 和 entityId 可以按字节序比较。
func (k InternalKey) Encode() []byte {
	buf := make([]byte, EncodedLen)
	binary.BigEndian.PutUint32(buf[0:4], k.PropertyID)
	binary.BigEndian.PutUint64(buf[4:12], k.EntityID)
	binary.BigEndian.PutUint32(buf[12:16], uint32(k.StartTime))
	buf[16] = byte(k.Kind)
	return buf
}

// Decode 从字节序列解码内部键
func Decode(raw []byte) (InternalKey, error) {
	if len(raw) != EncodedLen {
		return InternalKey{}, errors.Errorf("invalid internal key length %d", len(raw))
	}
	return InternalKey{
		PropertyID: binary.BigEndian.Uint32(raw[0:4]),
		EntityID:   binary.BigEndian.Uint64(raw[4:12]),
		StartTime:  int32(binary.BigEndian.Uint32(raw[12:16])),
		Kind:       Kind(raw[16]),
	}, nil
}

// MustDecode 解码内部键，长度非法时 panic。
// 文件内的键由构建方保证定长，长度异常说明数据已经损坏。
func MustDecode(raw []byte) InternalKey {
	k, err := Decode(raw)
	if err != nil {
		panic(err)
	}
	return k
}

// Compare 按共享的全序比较两个编码后的内部键。
// 返回负数、0、正数分别表示 a 小于、等于、大于 b。
func Compare(a, b []byte) int {
	ka := MustDecode(a)
	kb := MustDecode(b)
	return ka.Compare(kb)
}

// Compare 比较两个内部键
func (k InternalKey) Compare(o InternalKey) int {
	switch {
	case k.PropertyID < o.PropertyID:
		return -1
	case k.PropertyID > o.PropertyID:
		return 1
	}
	switch {
	case k.EntityID < o.EntityID:
		return -1
	case k.EntityID > o.EntityID:
		return 1
	}
	// startTime 降序：时间更大的键排在前面
	switch {
	case k.StartTime > o.StartTime:
		return -1
	case k.StartTime < o.StartTime:
		return 1
	}
	return 0
}

// Less 供有序容器使用的比较函数
func Less(a, b []byte) bool {
	return Compare(a, b) < 0
}
