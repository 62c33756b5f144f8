package privval

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/libs/tempfile"

	"lattice_consensus/types"
)

//-------------------------------------------------------------------------------

// FilePVKey 持久化在磁盘上的账户密钥
type FilePVKey struct {
	Account types.Account  `json:"account"`
	PubKey  crypto.PubKey  `json:"pub_key"`
	PrivKey crypto.PrivKey `json:"priv_key"`

	filePath string
}

// Save 原子地写入filePath
func (pvKey FilePVKey) Save() error {
	outFile := pvKey.filePath
	if outFile == "" {
		return errors.New("cannot save key: filePath not set")
	}

	jsonBytes, err := tmjson.MarshalIndent(pvKey, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal key")
	}
	return errors.Wrapf(tempfile.WriteFileAtomic(outFile, jsonBytes, 0600), "write %s", outFile)
}

//-------------------------------------------------------------------------------

// FilePV 代表（或创世账户）的签名密钥，用来签名区块和投票
type FilePV struct {
	Key FilePVKey
}

func NewFilePV(privKey crypto.PrivKey, keyFilePath string) *FilePV {
	return &FilePV{
		Key: FilePVKey{
			Account:  types.AccountFromPubKey(privKey.PubKey()),
			PubKey:   privKey.PubKey(),
			PrivKey:  privKey,
			filePath: keyFilePath,
		},
	}
}

// GenFilePV 随机生成ed25519密钥，不会调用Save
func GenFilePV(keyFilePath string) *FilePV {
	return NewFilePV(ed25519.GenPrivKey(), keyFilePath)
}

func LoadFilePV(keyFilePath string) (*FilePV, error) {
	keyJSONBytes, err := os.ReadFile(keyFilePath)
	if err != nil {
		return nil, err
	}
	pvKey := FilePVKey{}
	if err := tmjson.Unmarshal(keyJSONBytes, &pvKey); err != nil {
		return nil, fmt.Errorf("error reading key from %v: %w", keyFilePath, err)
	}

	// 公钥和账户以私钥为准
	pvKey.PubKey = pvKey.PrivKey.PubKey()
	pvKey.Account = types.AccountFromPubKey(pvKey.PubKey)
	pvKey.filePath = keyFilePath

	return &FilePV{Key: pvKey}, nil
}

// LoadOrGenFilePV 文件不存在时生成并保存
func LoadOrGenFilePV(keyFilePath string) (*FilePV, error) {
	if tmos.FileExists(keyFilePath) {
		return LoadFilePV(keyFilePath)
	}
	pv := GenFilePV(keyFilePath)
	if err := pv.Save(); err != nil {
		return nil, err
	}
	return pv, nil
}

func (pv *FilePV) Save() error {
	return pv.Key.Save()
}

func (pv *FilePV) Account() types.Account {
	return pv.Key.Account
}

func (pv *FilePV) PrivKey() crypto.PrivKey {
	return pv.Key.PrivKey
}

func (pv *FilePV) SignBlock(block *types.Block) error {
	if block.Account != pv.Key.Account {
		return fmt.Errorf("block account %v does not match key %v", block.Account, pv.Key.Account)
	}
	return block.Sign(pv.Key.PrivKey)
}

func (pv *FilePV) SignVote(vote *types.Vote) error {
	if vote.Account != pv.Key.Account {
		return fmt.Errorf("vote account %v does not match key %v", vote.Account, pv.Key.Account)
	}
	return vote.Sign(pv.Key.PrivKey)
}

func (pv *FilePV) String() string {
	return fmt.Sprintf("PrivValidator{%v}", pv.Key.Account)
}
