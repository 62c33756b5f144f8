package store

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"
	leveldb "github.com/tendermint/tm-db/goleveldb"

	"lattice_consensus/types"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrReadOnlyTxn = errors.New("write on read-only transaction")
	ErrTxnClosed   = errors.New("transaction already committed or discarded")
)

// 表前缀
const (
	tableBlock              = "b/"
	tableAccount            = "a/"
	tableConfirmationHeight = "c/"
	tablePending            = "p/"
	tableMeta               = "m/"
)

// meta表中的计数器
const (
	CountBlocks   = "block_count"
	CountCemented = "cemented_count"
	CountAccounts = "account_count"
)

func NewKVStore(name, dir string, logger log.Logger) (*KVStore, error) {
	levelDB, err := leveldb.NewDB(name, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb %s in %s", name, dir)
	}
	return NewKVStoreWithDB(levelDB, logger), nil
}

// NewKVStoreWithDB 测试中使用memdb
func NewKVStoreWithDB(kvdb tmdb.DB, logger log.Logger) *KVStore {
	return &KVStore{kvDB: kvdb, logger: logger}
}

// KVStore 基于tm-db的账本存储，提供读事务和带overlay的写事务
type KVStore struct {
	kvDB tmdb.DB

	logger log.Logger
}

func (kv *KVStore) GetDB() tmdb.DB {
	return kv.kvDB
}

func (kv *KVStore) Close() error {
	return kv.kvDB.Close()
}

// TxBeginRead 读事务直接读取已经提交的数据
func (kv *KVStore) TxBeginRead() *Txn {
	return &Txn{store: kv}
}

// TxBeginWrite 写事务先写入overlay，Commit时作为一个batch原子写入
// NOTE: 调用者需要先通过WriteQueue获得写权限
func (kv *KVStore) TxBeginWrite() *Txn {
	return &Txn{
		store:    kv,
		writable: true,
		writes:   make(map[string][]byte),
		deletes:  make(map[string]struct{}),
	}
}

func genKey(table string, primaryKey []byte) []byte {
	buffer := new(bytes.Buffer)
	buffer.WriteString(table)
	buffer.Write(primaryKey)
	return buffer.Bytes()
}

func encodeConfirmationHeight(info types.ConfirmationHeightInfo) []byte {
	buf := make([]byte, 8+types.HashSize)
	binary.BigEndian.PutUint64(buf[:8], info.Height)
	copy(buf[8:], info.Frontier[:])
	return buf
}

func decodeConfirmationHeight(b []byte) (types.ConfirmationHeightInfo, error) {
	if len(b) != 8+types.HashSize {
		return types.ConfirmationHeightInfo{}, errors.Errorf("bad confirmation height record size %d", len(b))
	}
	info := types.ConfirmationHeightInfo{Height: binary.BigEndian.Uint64(b[:8])}
	copy(info.Frontier[:], b[8:])
	return info, nil
}

func encodeUint64(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
