package crypto

import (
	"context"

	"github.com/alitto/pond/v2"
	"github.com/pkg/errors"
	tmcrypto "github.com/tendermint/tendermint/crypto"
)

// 每个任务校验的签名数量
const batchChunkSize = 256

var ErrLengthMismatch = errors.New("signature check inputs have different lengths")

// SignatureCheck 一批待校验的签名，结果写入Verifications
type SignatureCheck struct {
	Messages      [][]byte
	PubKeys       []tmcrypto.PubKey
	Signatures    [][]byte
	Verifications []bool
}

func NewSignatureCheck(n int) *SignatureCheck {
	return &SignatureCheck{
		Messages:      make([][]byte, 0, n),
		PubKeys:       make([]tmcrypto.PubKey, 0, n),
		Signatures:    make([][]byte, 0, n),
		Verifications: make([]bool, 0, n),
	}
}

func (c *SignatureCheck) Add(msg []byte, pub tmcrypto.PubKey, sig []byte) {
	c.Messages = append(c.Messages, msg)
	c.PubKeys = append(c.PubKeys, pub)
	c.Signatures = append(c.Signatures, sig)
}

func (c *SignatureCheck) Size() int {
	return len(c.Messages)
}

// SignatureChecker 批量签名校验
// threads为0时在调用者的goroutine中顺序校验
type SignatureChecker struct {
	pool pond.Pool
}

func NewSignatureChecker(threads int) *SignatureChecker {
	sc := &SignatureChecker{}
	if threads > 0 {
		sc.pool = pond.NewPool(threads, pond.WithQueueSize(threads*4))
	}
	return sc
}

// Verify 校验check中所有签名，阻塞直到全部完成
func (sc *SignatureChecker) Verify(ctx context.Context, check *SignatureCheck) error {
	n := len(check.Messages)
	if len(check.PubKeys) != n || len(check.Signatures) != n {
		return ErrLengthMismatch
	}
	check.Verifications = check.Verifications[:0]
	for i := 0; i < n; i++ {
		check.Verifications = append(check.Verifications, false)
	}

	if sc.pool == nil || n <= batchChunkSize {
		verifyRange(check, 0, n)
		return nil
	}

	group := sc.pool.NewGroupContext(ctx)
	for start := 0; start < n; start += batchChunkSize {
		start, end := start, start+batchChunkSize
		if end > n {
			end = n
		}
		group.Submit(func() {
			verifyRange(check, start, end)
		})
	}
	if err := group.Wait(); err != nil {
		return errors.Wrap(err, "signature check")
	}
	return nil
}

// Stop 等待已提交的任务完成后关闭工作池
func (sc *SignatureChecker) Stop() {
	if sc.pool != nil {
		sc.pool.StopAndWait()
	}
}

func verifyRange(check *SignatureCheck, start, end int) {
	for i := start; i < end; i++ {
		check.Verifications[i] = check.PubKeys[i] != nil &&
			check.PubKeys[i].VerifySignature(check.Messages[i], check.Signatures[i])
	}
}
