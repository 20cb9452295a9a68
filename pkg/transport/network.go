package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// NetworkConfig 网络通道连接参数
type NetworkConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	Username       string        `json:"username"`
	Password       string        `json:"password"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
}

// NetworkTransport 基于SSH的网络通道。
// Open 成功即表示拨号与认证均已完成；认证被拒绝返回 *AuthError，
// 其余建立失败（不可达、拒绝连接、握手失败）返回 *ConnectError。
type NetworkTransport struct {
	config NetworkConfig

	mutex   sync.Mutex
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser

	readCh chan []byte
	// readDone 读协程退出后关闭；通道已断开时 ReadAvailable 返回 io.EOF
	readDone chan struct{}
	// stop 由 Close 关闭，解除读协程在满缓冲上的投递阻塞
	stop   chan struct{}
	closed bool
}

// NewNetworkTransport 创建网络通道
func NewNetworkTransport(config NetworkConfig) *NetworkTransport {
	if config.Port < 1 || config.Port > 65535 {
		config.Port = 22
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	return &NetworkTransport{config: config}
}

// Kind 通道类型
func (t *NetworkTransport) Kind() Kind { return KindNetwork }

// Open 建立SSH连接并启动交互式Shell
func (t *NetworkTransport) Open(ctx context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	sshConfig := &ssh.ClientConfig{
		User:            t.config.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.config.ConnectTimeout,
		Config: ssh.Config{
			// 支持旧版本的密钥交换算法（兼容老旧嵌入式固件）
			KeyExchanges: []string{
				"diffie-hellman-group14-sha256",
				"diffie-hellman-group14-sha1",
				"diffie-hellman-group1-sha1",
				"diffie-hellman-group-exchange-sha256",
				"diffie-hellman-group-exchange-sha1",
				"ecdh-sha2-nistp256",
				"ecdh-sha2-nistp384",
				"ecdh-sha2-nistp521",
			},
			// 支持旧版本的加密算法
			Ciphers: []string{
				"aes128-ctr",
				"aes192-ctr",
				"aes256-ctr",
				"aes128-gcm@openssh.com",
				"aes256-gcm@openssh.com",
				"aes128-cbc",
				"aes192-cbc",
				"aes256-cbc",
				"3des-cbc",
			},
			// 支持旧版本的MAC算法
			MACs: []string{
				"hmac-sha2-256-etm@openssh.com",
				"hmac-sha2-256",
				"hmac-sha1",
				"hmac-sha1-96",
			},
		},
		// 支持旧版本主机密钥算法
		HostKeyAlgorithms: []string{
			"ssh-rsa",
			"rsa-sha2-256",
			"rsa-sha2-512",
			"ecdsa-sha2-nistp256",
			"ecdsa-sha2-nistp384",
			"ecdsa-sha2-nistp521",
		},
	}

	if t.config.Password != "" {
		// 同时尝试 password 与 keyboard-interactive，提高与嵌入式设备的兼容性
		sshConfig.Auth = []ssh.AuthMethod{
			ssh.Password(t.config.Password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = t.config.Password
				}
				return answers, nil
			}),
		}
	}

	address := fmt.Sprintf("%s:%d", t.config.Host, t.config.Port)

	dialer := &net.Dialer{Timeout: t.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return &ConnectError{Kind: KindNetwork, Err: fmt.Errorf("failed to dial %s: %w", address, err)}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, sshConfig)
	if err != nil {
		conn.Close()
		// 握手阶段区分认证失败与其他失败：认证失败禁止串口回退
		if isAuthFailure(err) {
			return &AuthError{Err: err}
		}
		return &ConnectError{Kind: KindNetwork, Err: fmt.Errorf("handshake failed: %w", err)}
	}

	client := ssh.NewClient(sshConn, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return &ConnectError{Kind: KindNetwork, Err: fmt.Errorf("failed to create session: %w", err)}
	}

	// 设置终端模式（启用回显，兼容设备CLI），并使用终端类型回退
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	var ptyErr error
	for _, term := range []string{"vt100", "xterm", "ansi", "dumb"} {
		if ptyErr = session.RequestPty(term, 80, 24, modes); ptyErr == nil {
			break
		}
	}
	if ptyErr != nil {
		session.Close()
		client.Close()
		return &ConnectError{Kind: KindNetwork, Err: fmt.Errorf("failed to request pty: %w", ptyErr)}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return &ConnectError{Kind: KindNetwork, Err: fmt.Errorf("failed to get stdin: %w", err)}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return &ConnectError{Kind: KindNetwork, Err: fmt.Errorf("failed to get stdout: %w", err)}
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		client.Close()
		return &ConnectError{Kind: KindNetwork, Err: fmt.Errorf("failed to get stderr: %w", err)}
	}

	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return &ConnectError{Kind: KindNetwork, Err: fmt.Errorf("failed to start shell: %w", err)}
	}

	t.client = client
	t.session = session
	t.stdin = stdin
	t.readCh = make(chan []byte, 256)
	t.readDone = make(chan struct{})
	t.stop = make(chan struct{})

	// stdout 与 stderr 合并推送到同一通道，由执行器统一做提示符检测
	var pumpWG sync.WaitGroup
	pumpWG.Add(2)
	pump := func(r io.Reader) {
		defer pumpWG.Done()
		pumpOutput(r, t.readCh, t.stop)
	}
	go pump(stdout)
	go pump(stderr)
	go func() {
		pumpWG.Wait()
		close(t.readDone)
	}()

	return nil
}

// WriteLine 发送一行命令（设备通常期望 CRLF）
func (t *NetworkTransport) WriteLine(text string) error {
	return t.Write([]byte(text + "\r\n"))
}

// Write 发送原始字节
func (t *NetworkTransport) Write(p []byte) error {
	t.mutex.Lock()
	stdin := t.stdin
	t.mutex.Unlock()
	if stdin == nil {
		return fmt.Errorf("network transport not open")
	}
	if _, err := stdin.Write(p); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

// ReadAvailable 在 deadline 内读取当前可用输出。
// 无数据时返回空切片；通道已断开且缓冲排空后返回 io.EOF
func (t *NetworkTransport) ReadAvailable(deadline time.Duration) ([]byte, error) {
	if t.readCh == nil {
		return nil, fmt.Errorf("network transport not open")
	}

	var out []byte
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case chunk, ok := <-t.readCh:
		if !ok {
			return nil, io.EOF
		}
		out = append(out, chunk...)
	case <-t.readDone:
		// 读协程已退出，把残留数据取干净后报告 EOF
		select {
		case chunk := <-t.readCh:
			out = append(out, chunk...)
			return out, nil
		default:
			return nil, io.EOF
		}
	case <-timer.C:
		return nil, nil
	}

	// 已拿到首批数据，再非阻塞地把同批到达的数据一并取走
	for {
		select {
		case chunk := <-t.readCh:
			out = append(out, chunk...)
		default:
			return out, nil
		}
	}
}

// Close 关闭会话与连接，可重复调用
func (t *NetworkTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	// 关闭后没有消费者，解除读协程对满缓冲的投递等待
	if t.stop != nil {
		close(t.stop)
	}
	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if t.session != nil {
		_ = t.session.Close()
	}
	if t.client != nil {
		err := t.client.Close()
		t.client = nil
		return err
	}
	return nil
}

// pumpOutput 把远端输出逐块推入通道，直到读到错误或 stop 被关闭。
// 消费者停止后缓冲可能填满，投递必须能被 stop 解除阻塞
func pumpOutput(r io.Reader, out chan<- []byte, stop <-chan struct{}) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- chunk:
			case <-stop:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// isAuthFailure 识别握手错误中的认证失败
func isAuthFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied")
}
