package server

// indexHTML is the single-button view. Snapshots arrive over /ws; a snapshot
// older than the last one rendered is ignored.
const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>cyclerec</title>
    <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/@picocss/pico@2/css/pico.min.css">
    <style>
        #control { width: 100%; font-size: 2rem; padding: 2rem; }
        #icon { font-family: monospace; opacity: 0.6; }
    </style>
</head>
<body>
    <main class="container">
        <h1>cyclerec</h1>
        <button id="control" disabled>record</button>
        <p><span id="icon">ic_audio_record</span> <small id="mode"></small></p>
        <p id="error" style="color: var(--pico-del-color)"></p>
        <p><a href="/recording">Download recording</a></p>
    </main>
    <script>
        const control = document.getElementById('control');
        const icon = document.getElementById('icon');
        const mode = document.getElementById('mode');
        const error = document.getElementById('error');
        let version = -1;
        let ws;

        function render(snap) {
            if (snap.version < version) return;
            version = snap.version;
            control.textContent = snap.output.label;
            icon.textContent = snap.output.icon;
            mode.textContent = snap.mode;
            error.textContent = snap.last_error || '';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss' : 'ws';
            ws = new WebSocket(scheme + '://' + location.host + '/ws');
            ws.onopen = () => { control.disabled = false; };
            ws.onmessage = (event) => {
                const msg = JSON.parse(event.data);
                if (msg.type === 'snapshot') render(msg.snapshot);
                if (msg.type === 'error') error.textContent = msg.error;
            };
            ws.onclose = () => {
                control.disabled = true;
                setTimeout(connect, 2000);
            };
        }

        control.addEventListener('click', () => {
            ws.send(JSON.stringify({ action: 'activate' }));
        });

        document.addEventListener('visibilitychange', () => {
            if (document.hidden && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({ action: 'suspend' }));
            }
        });

        connect();
    </script>
</body>
</html>`
