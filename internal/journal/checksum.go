package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 journal 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
)

// Checksum 計算事件的 CRC32 校驗和
//
// 演算法：
//   - seq（8 bytes big-endian）+ type + task id + status + retries + record JSON
//   - 不包含 Timestamp 與 Checksum 本身
func Checksum(e Event) uint32 {
	h := crc32.NewIEEE()

	var num [8]byte
	binary.BigEndian.PutUint64(num[:], e.Seq)
	h.Write(num[:])
	h.Write([]byte(e.Type))
	h.Write([]byte{0})
	h.Write([]byte(e.TaskID))
	h.Write([]byte{0})
	h.Write([]byte(e.Status.String()))
	binary.BigEndian.PutUint64(num[:], uint64(e.Retries))
	h.Write(num[:])

	if e.Record != nil {
		// 紀錄欄位全部可序列化，忽略錯誤
		b, _ := json.Marshal(e.Record)
		h.Write(b)
	}
	return h.Sum32()
}

// Verify 驗證事件的校驗和，失敗時回傳 *ChecksumError
func Verify(e Event) error {
	expected := Checksum(e)
	if e.Checksum != expected {
		return &ChecksumError{Seq: e.Seq, Expected: expected, Actual: e.Checksum}
	}
	return nil
}
