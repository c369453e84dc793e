package daemon_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/go-iscsi/initiator/internal/daemon"
	"github.com/go-iscsi/initiator/internal/ipc"
	"github.com/go-iscsi/initiator/internal/metrics"
	"github.com/go-iscsi/initiator/internal/prefs"
	"github.com/go-iscsi/initiator/internal/reachability"
	"github.com/go-iscsi/initiator/pkg/config"
	"github.com/go-iscsi/initiator/pkg/hba"
	"github.com/go-iscsi/initiator/pkg/hba/simulator"
	"github.com/go-iscsi/initiator/pkg/pdu"
	"github.com/go-iscsi/initiator/pkg/session"

	"github.com/prometheus/client_golang/prometheus"
)

// alwaysReachableDialer reports every address as immediately
// reachable, so auto-login tests don't depend on real network access.
type alwaysReachableDialer struct{}

func (alwaysReachableDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	c1, c2 := net.Pipe()
	c2.Close()
	return c1, nil
}

// scriptedTarget mirrors pkg/session's own lifecycle_test.go fixture:
// it answers the login/logout/SendTargets exchanges a real target
// would, so the daemon's Login/Logout/discovery paths can be driven
// end-to-end against the in-memory simulator.
type scriptedTarget struct {
	tpgt   uint16
	statSN uint32
}

func (s *scriptedTarget) respond(req *pdu.BHS, data []byte) (*pdu.BHS, []byte, error) {
	s.statSN++
	switch req.Opcode {
	case pdu.OpLoginRequest:
		switch req.CSG {
		case pdu.StageSecurityNegotiation:
			if !req.Transit {
				text, _ := pdu.EncodeTextMap(map[string]string{"AuthMethod": "None"})
				return &pdu.BHS{
					Opcode: pdu.OpLoginResponse, CSG: pdu.StageSecurityNegotiation, NSG: pdu.StageSecurityNegotiation,
					Status: pdu.LoginStatusSuccess, StatSN: s.statSN,
				}, text, nil
			}
			return &pdu.BHS{
				Opcode: pdu.OpLoginResponse, CSG: pdu.StageSecurityNegotiation, NSG: pdu.StageOperationalNegotiation,
				Transit: true, Status: pdu.LoginStatusSuccess, StatSN: s.statSN,
			}, nil, nil
		case pdu.StageOperationalNegotiation:
			reqText, _ := pdu.ParseTextMap(data)
			reqText["TargetPortalGroupTag"] = strconv.Itoa(int(s.tpgt))
			respData, _ := pdu.EncodeTextMap(reqText)
			return &pdu.BHS{
				Opcode: pdu.OpLoginResponse, CSG: pdu.StageOperationalNegotiation, NSG: pdu.StageFullFeature,
				Transit: true, Status: pdu.LoginStatusSuccess, StatSN: s.statSN, TSIH: 0xabcd,
			}, respData, nil
		}
	case pdu.OpLogoutRequest:
		return &pdu.BHS{Opcode: pdu.OpLogoutResponse, LogoutResponse: pdu.LogoutRspSuccess}, nil, nil
	}
	return nil, nil, nil
}

func testLogger() *log.Logger {
	l := log.New()
	l.SetLevel(log.ErrorLevel)
	return l
}

func newTestDaemon(t *testing.T, sim *simulator.Simulator) (*daemon.Daemon, *prefs.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.Initiator.Name = "iqn.initiator:host"

	store, err := prefs.New(nil)
	if err != nil {
		t.Fatalf("prefs.New() error = %v", err)
	}
	collector := metrics.New(prometheus.NewPedanticRegistry())
	d := daemon.New(cfg, sim, store, testLogger(), collector)
	return d, store
}

func TestLoginRegistersActiveHandle(t *testing.T) {
	sim := simulator.New()
	target := &scriptedTarget{tpgt: 7}
	sim.DefaultResponder = target.respond

	d, _ := newTestDaemon(t, sim)
	rec := session.NodeRecord{
		Target: session.Target{Name: "iqn.ex:a"},
		Portal: hba.Portal{Address: "10.0.0.1", Port: 3260},
	}

	if err := d.Login(context.Background(), rec); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	resp := d.HandleRequest(context.Background(), "conn-a", ipc.Request{
		Func:   ipc.FuncIsTargetActive,
		Fields: []string{"iqn.ex:a"},
	})
	if resp.Status != 1 {
		t.Errorf("IsTargetActive Status = %d, want 1", resp.Status)
	}
}

func TestLoginThenLogoutRoundTrip(t *testing.T) {
	sim := simulator.New()
	target := &scriptedTarget{tpgt: 7}
	sim.DefaultResponder = target.respond

	d, store := newTestDaemon(t, sim)
	rec := session.NodeRecord{
		Target: session.Target{Name: "iqn.ex:a"},
		Portal: hba.Portal{Address: "10.0.0.1", Port: 3260},
	}
	store.Put(rec)

	loginResp := d.HandleRequest(context.Background(), "conn-a", ipc.Request{
		Func:   ipc.FuncLogin,
		Auth:   []byte("granted"),
		Fields: []string{"iqn.ex:a", "10.0.0.1:3260"},
	})
	if loginResp.Err != daemon.CodeSuccess {
		t.Fatalf("Login response Err = %v, want CodeSuccess", loginResp.Err)
	}

	logoutResp := d.HandleRequest(context.Background(), "conn-a", ipc.Request{
		Func:   ipc.FuncLogout,
		Auth:   []byte("granted"),
		Fields: []string{"iqn.ex:a"},
	})
	if logoutResp.Err != daemon.CodeSuccess {
		t.Fatalf("Logout response Err = %v, want CodeSuccess", logoutResp.Err)
	}

	active := d.HandleRequest(context.Background(), "conn-a", ipc.Request{
		Func:   ipc.FuncIsTargetActive,
		Fields: []string{"iqn.ex:a"},
	})
	if active.Status != 0 {
		t.Errorf("IsTargetActive after logout Status = %d, want 0", active.Status)
	}
}

func TestHandleRequestDeniesUnauthorizedMutation(t *testing.T) {
	sim := simulator.New()
	d, _ := newTestDaemon(t, sim)

	resp := d.HandleRequest(context.Background(), "conn-a", ipc.Request{
		Func:   ipc.FuncLogin,
		Fields: []string{"iqn.ex:a", "10.0.0.1:3260"},
	})
	if resp.Err != daemon.CodeAuthorizationDenied {
		t.Errorf("Err = %v, want CodeAuthorizationDenied", resp.Err)
	}
}

func TestHandleRequestAllowsUnauthenticatedReadOnly(t *testing.T) {
	sim := simulator.New()
	d, _ := newTestDaemon(t, sim)

	resp := d.HandleRequest(context.Background(), "conn-a", ipc.Request{
		Func:   ipc.FuncIsTargetActive,
		Fields: []string{"iqn.ex:a"},
	})
	if resp.Err != daemon.CodeSuccess {
		t.Errorf("Err = %v, want CodeSuccess for a read-only query", resp.Err)
	}
}

func TestPreferencesLockUnlockIPC(t *testing.T) {
	sim := simulator.New()
	d, _ := newTestDaemon(t, sim)

	lockResp := d.HandleRequest(context.Background(), "conn-a", ipc.Request{
		Func: ipc.FuncPreferencesIOLockAndSync,
		Auth: []byte("granted"),
	})
	if lockResp.Err != daemon.CodeSuccess {
		t.Fatalf("Lock Err = %v, want CodeSuccess", lockResp.Err)
	}

	badUnlock := d.HandleRequest(context.Background(), "conn-b", ipc.Request{
		Func: ipc.FuncPreferencesIOUnlockAndSync,
		Auth: []byte("granted"),
	})
	if badUnlock.Err != daemon.CodeBusy {
		t.Errorf("Unlock from wrong connection Err = %v, want CodeBusy", badUnlock.Err)
	}

	goodUnlock := d.HandleRequest(context.Background(), "conn-a", ipc.Request{
		Func: ipc.FuncPreferencesIOUnlockAndSync,
		Auth: []byte("granted"),
	})
	if goodUnlock.Err != daemon.CodeSuccess {
		t.Errorf("Unlock Err = %v, want CodeSuccess", goodUnlock.Err)
	}
}

func TestAutoLoginFiresOnStart(t *testing.T) {
	sim := simulator.New()
	target := &scriptedTarget{tpgt: 1}
	sim.DefaultResponder = target.respond

	d, store := newTestDaemon(t, sim)
	rec := session.NodeRecord{
		Target:    session.Target{Name: "iqn.ex:auto"},
		Portal:    hba.Portal{Address: "10.0.0.9", Port: 3260},
		AutoLogin: true,
	}
	store.Put(rec)

	d.SetReachability(reachability.New(
		reachability.WithDialer(alwaysReachableDialer{}),
		reachability.WithInterval(5*time.Millisecond),
	))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	deadline := time.Now().Add(time.Second)
	for {
		resp := d.HandleRequest(ctx, "conn-a", ipc.Request{Func: ipc.FuncIsTargetActive, Fields: []string{"iqn.ex:auto"}})
		if resp.Status == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("auto-login did not activate the target in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
