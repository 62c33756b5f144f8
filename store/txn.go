package store

import (
	"github.com/pkg/errors"
	tmjson "github.com/tendermint/tendermint/libs/json"

	"lattice_consensus/types"
)

// Txn 账本事务
// 只读事务不持有任何状态；写事务的修改在Commit之前对其他事务不可见
type Txn struct {
	store    *KVStore
	writable bool
	closed   bool

	writes  map[string][]byte
	deletes map[string]struct{}
}

func (txn *Txn) IsWritable() bool {
	return txn.writable
}

func (txn *Txn) get(key []byte) ([]byte, error) {
	if txn.writable {
		k := string(key)
		if _, ok := txn.deletes[k]; ok {
			return nil, nil
		}
		if v, ok := txn.writes[k]; ok {
			return v, nil
		}
	}
	v, err := txn.store.kvDB.Get(key)
	if err != nil {
		return nil, errors.Wrap(err, "kv get")
	}
	return v, nil
}

func (txn *Txn) set(key, value []byte) error {
	if !txn.writable {
		return ErrReadOnlyTxn
	}
	if txn.closed {
		return ErrTxnClosed
	}
	k := string(key)
	delete(txn.deletes, k)
	txn.writes[k] = value
	return nil
}

func (txn *Txn) del(key []byte) error {
	if !txn.writable {
		return ErrReadOnlyTxn
	}
	if txn.closed {
		return ErrTxnClosed
	}
	k := string(key)
	delete(txn.writes, k)
	txn.deletes[k] = struct{}{}
	return nil
}

// Commit 把overlay作为一个batch同步写入
func (txn *Txn) Commit() error {
	if !txn.writable {
		return ErrReadOnlyTxn
	}
	if txn.closed {
		return ErrTxnClosed
	}
	txn.closed = true

	batch := txn.store.kvDB.NewBatch()
	defer batch.Close()
	for k, v := range txn.writes {
		if err := batch.Set([]byte(k), v); err != nil {
			return errors.Wrap(err, "batch set")
		}
	}
	for k := range txn.deletes {
		if err := batch.Delete([]byte(k)); err != nil {
			return errors.Wrap(err, "batch delete")
		}
	}
	if err := batch.WriteSync(); err != nil {
		return errors.Wrap(err, "batch write")
	}
	return nil
}

// Discard 放弃所有修改
func (txn *Txn) Discard() {
	txn.closed = true
	txn.writes = nil
	txn.deletes = nil
}

// ------ blocks ------

func (txn *Txn) Block(hash types.Hash) (*types.Block, error) {
	v, err := txn.get(genKey(tableBlock, hash[:]))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrNotFound
	}
	block := new(types.Block)
	if err := tmjson.Unmarshal(v, block); err != nil {
		return nil, errors.Wrapf(err, "decode block %v", hash)
	}
	return block, nil
}

func (txn *Txn) BlockExists(hash types.Hash) (bool, error) {
	v, err := txn.get(genKey(tableBlock, hash[:]))
	return v != nil, err
}

func (txn *Txn) PutBlock(block *types.Block) error {
	bz, err := tmjson.Marshal(block)
	if err != nil {
		return errors.Wrap(err, "encode block")
	}
	hash := block.Hash()
	return txn.set(genKey(tableBlock, hash[:]), bz)
}

// ------ accounts ------

func (txn *Txn) AccountInfo(account types.Account) (types.AccountInfo, bool, error) {
	var info types.AccountInfo
	v, err := txn.get(genKey(tableAccount, account[:]))
	if err != nil || v == nil {
		return info, false, err
	}
	if err := tmjson.Unmarshal(v, &info); err != nil {
		return info, false, errors.Wrapf(err, "decode account %v", account)
	}
	return info, true, nil
}

func (txn *Txn) PutAccountInfo(account types.Account, info types.AccountInfo) error {
	bz, err := tmjson.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "encode account info")
	}
	return txn.set(genKey(tableAccount, account[:]), bz)
}

// IterateAccounts 只遍历已经提交的数据
func (txn *Txn) IterateAccounts(fn func(types.Account, types.AccountInfo) bool) error {
	it, err := txn.store.kvDB.Iterator(prefixRange(tableAccount))
	if err != nil {
		return errors.Wrap(err, "account iterator")
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		var account types.Account
		copy(account[:], it.Key()[len(tableAccount):])
		var info types.AccountInfo
		if err := tmjson.Unmarshal(it.Value(), &info); err != nil {
			return errors.Wrapf(err, "decode account %v", account)
		}
		if !fn(account, info) {
			break
		}
	}
	return it.Error()
}

// ------ confirmation height ------

// ConfirmationHeight 不存在记录时返回零值
func (txn *Txn) ConfirmationHeight(account types.Account) (types.ConfirmationHeightInfo, error) {
	v, err := txn.get(genKey(tableConfirmationHeight, account[:]))
	if err != nil || v == nil {
		return types.ConfirmationHeightInfo{}, err
	}
	return decodeConfirmationHeight(v)
}

func (txn *Txn) PutConfirmationHeight(account types.Account, info types.ConfirmationHeightInfo) error {
	return txn.set(genKey(tableConfirmationHeight, account[:]), encodeConfirmationHeight(info))
}

func (txn *Txn) IterateConfirmationHeights(fn func(types.Account, types.ConfirmationHeightInfo) bool) error {
	it, err := txn.store.kvDB.Iterator(prefixRange(tableConfirmationHeight))
	if err != nil {
		return errors.Wrap(err, "confirmation height iterator")
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		var account types.Account
		copy(account[:], it.Key()[len(tableConfirmationHeight):])
		info, err := decodeConfirmationHeight(it.Value())
		if err != nil {
			return err
		}
		if !fn(account, info) {
			break
		}
	}
	return it.Error()
}

// ------ pending ------

func pendingKey(destination types.Account, send types.Hash) []byte {
	key := make([]byte, 0, len(destination)+len(send))
	key = append(key, destination[:]...)
	key = append(key, send[:]...)
	return genKey(tablePending, key)
}

func (txn *Txn) Pending(destination types.Account, send types.Hash) (types.PendingInfo, bool, error) {
	var info types.PendingInfo
	v, err := txn.get(pendingKey(destination, send))
	if err != nil || v == nil {
		return info, false, err
	}
	if err := tmjson.Unmarshal(v, &info); err != nil {
		return info, false, errors.Wrap(err, "decode pending")
	}
	return info, true, nil
}

func (txn *Txn) PutPending(destination types.Account, send types.Hash, info types.PendingInfo) error {
	bz, err := tmjson.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "encode pending")
	}
	return txn.set(pendingKey(destination, send), bz)
}

func (txn *Txn) DeletePending(destination types.Account, send types.Hash) error {
	return txn.del(pendingKey(destination, send))
}

// ------ meta ------

func (txn *Txn) Count(name string) (uint64, error) {
	v, err := txn.get(genKey(tableMeta, []byte(name)))
	if err != nil {
		return 0, err
	}
	return decodeUint64(v), nil
}

func (txn *Txn) SetCount(name string, n uint64) error {
	return txn.set(genKey(tableMeta, []byte(name)), encodeUint64(n))
}

// prefixRange 返回[prefix, prefix+1)的区间
func prefixRange(prefix string) ([]byte, []byte) {
	start := []byte(prefix)
	end := make([]byte, len(start))
	copy(end, start)
	end[len(end)-1]++
	return start, end
}
