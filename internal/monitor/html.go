package monitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Hard Hat Overlay Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { margin: 0; font-family: sans-serif; background: #111; color: #eee; }
        .header { display: flex; justify-content: space-between; align-items: center; padding: 12px 20px; background: #1c1c1c; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; padding: 16px; }
        .panel { background: #1c1c1c; border-radius: 6px; padding: 12px; }
        .badge { padding: 2px 8px; border-radius: 10px; background: #444; }
        .badge-ok { background: #1f7a35; }
        .badge-alert { background: #b3261e; }
        img { width: 100%; background: #000; }
        dl { display: grid; grid-template-columns: auto 1fr; gap: 4px 12px; margin: 0; }
        dt { color: #999; }
        pre { max-height: 240px; overflow: auto; font-size: 12px; }
    </style>
</head>
<body>
    <div class="header">
        <div>Hard Hat Overlay Monitor</div>
        <span class="badge" id="state-badge">Waiting for data...</span>
    </div>
    <div class="grid">
        <div class="panel">
            <h2>Overlay</h2>
            <img src="/stream" alt="overlay stream">
        </div>
        <div class="panel">
            <h2>Session</h2>
            <dl>
                <dt>Session</dt><dd id="session-id">-</dd>
                <dt>State</dt><dd id="conn-state">-</dd>
                <dt>Frame</dt><dd id="last-frame">-</dd>
                <dt>No helmet</dt><dd id="no-helmet">-</dd>
                <dt>Sync</dt><dd id="sync-phase">-</dd>
                <dt>Target</dt><dd id="sync-target">-</dd>
            </dl>
            <h2>Latest overlay</h2>
            <pre id="overlay-event">-</pre>
        </div>
    </div>
    <script>
        const badge = document.getElementById('state-badge');
        const set = (id, v) => { document.getElementById(id).textContent = v; };

        new EventSource('/api/status/stream').onmessage = (e) => {
            const s = JSON.parse(e.data).session || {};
            set('session-id', s.session_id ?? '-');
            set('conn-state', s.state ?? '-');
            set('last-frame', s.last_frame ?? '-');
            set('no-helmet', s.no_helmet_count ?? '-');
            const sync = s.sync || {};
            set('sync-phase', sync.phase ?? '-');
            set('sync-target', (sync.target_seconds ?? 0).toFixed(2) + ' s');
            badge.textContent = s.state || 'idle';
        };

        new EventSource('/api/overlay/stream').onmessage = (e) => {
            const ev = JSON.parse(e.data);
            set('overlay-event', JSON.stringify(ev, null, 2));
            badge.className = 'badge ' + (ev.violations > 0 ? 'badge-alert' : 'badge-ok');
        };
    </script>
</body>
</html>
`
